package sender

import (
	"errors"
	"fmt"
	"time"

	"campaignd/internal/campaign"
)

// Adapters mark their errors with one of the wrappers below so the engine
// never has to guess why a platform call failed.
//
//	return sender.RateLimited(err, 30*time.Second)
//	return sender.PermanentRecipient(fmt.Errorf("chat %s: %w", to, err))

// Transient marks a retryable failure (network, timeout, 5xx).
func Transient(err error) error { return mark(err, campaign.ResultTransient, 0) }

// RateLimited marks a throttling signal. after is the platform's retry-after
// hint (0 when unknown).
func RateLimited(err error, after time.Duration) error {
	if after < 0 {
		after = 0
	}
	return mark(err, campaign.ResultRateLimited, after)
}

// AuthInvalid marks revoked or banned account credentials.
func AuthInvalid(err error) error { return mark(err, campaign.ResultAuthInvalid, 0) }

// PermanentRecipient marks a recipient the platform will never accept.
func PermanentRecipient(err error) error {
	return mark(err, campaign.ResultPermanentRecipient, 0)
}

func mark(err error, kind campaign.ResultKind, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, RetryAfter: after, Err: err}
}

// Error is a classified adapter error.
type Error struct {
	Kind       campaign.ResultKind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an adapter error to a result kind. Unmarked errors and
// deadlines are transient.
func Classify(err error) (kind campaign.ResultKind, retryAfter time.Duration) {
	if err == nil {
		return campaign.ResultSuccess, 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, e.RetryAfter
	}
	return campaign.ResultTransient, 0
}
