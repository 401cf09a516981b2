package campaign

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid campaign state transition")
	ErrStalled           = errors.New("campaign stalled: no eligible account")
	ErrInvalidConfig     = errors.New("invalid campaign config")
)

// ErrStoreUnavailable marks a CampaignStore I/O failure. The dispatcher stops
// issuing sends when it sees one.
var ErrStoreUnavailable = errors.New("campaign store unavailable")

// StoreUnavailable wraps err so errors.Is(err, ErrStoreUnavailable) holds.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return storeError{op: op, err: err}
}

type storeError struct {
	op  string
	err error
}

func (e storeError) Error() string { return fmt.Sprintf("store %s: %v", e.op, e.err) }
func (e storeError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.err}
}

// TransitionError describes a rejected lifecycle verb.
type TransitionError struct {
	Verb string
	From State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s campaign in state %s", e.Verb, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
