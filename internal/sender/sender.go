package sender

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"campaignd/internal/campaign"
)

// Request is one send on behalf of an account.
type Request struct {
	Platform  string
	Account   campaign.Account
	Recipient string
	Payload   string
	Timeout   time.Duration
}

// Adapter delivers a payload on one platform. Errors should be marked with
// Transient, RateLimited, AuthInvalid or PermanentRecipient.
type Adapter interface {
	Send(ctx context.Context, req Request) error
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, req Request) error

func (f AdapterFunc) Send(ctx context.Context, req Request) error { return f(ctx, req) }

// Registry maps platform names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Register(platform string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[normalize(platform)] = a
}

func (r *Registry) Get(platform string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[normalize(platform)]
	return a, ok
}

// Platforms returns registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Send routes req to its platform adapter, bounds it by req.Timeout and
// turns adapter panics into transient errors.
func (r *Registry) Send(ctx context.Context, req Request) (err error) {
	a, ok := r.Get(req.Platform)
	if !ok {
		return PermanentRecipient(fmt.Errorf("no adapter for platform %q", req.Platform))
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = Transient(fmt.Errorf("adapter %s panicked: %v\n%s", req.Platform, rec, debug.Stack()))
		}
	}()
	return a.Send(ctx, req)
}

func normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
