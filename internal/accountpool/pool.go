package accountpool

import (
	"context"
	"fmt"
	"time"

	"campaignd/internal/campaign"
	"campaignd/internal/pacing"
)

// Pool is the ordered account set of one campaign.
type Pool struct {
	reg      *Registry
	ids      []string
	policy   *pacing.Policy
	strategy Strategy
}

func New(reg *Registry, ids []string, policy *pacing.Policy, strategy Strategy) *Pool {
	return &Pool{
		reg:      reg,
		ids:      append([]string(nil), ids...),
		policy:   policy,
		strategy: strategy,
	}
}

func (p *Pool) IDs() []string { return append([]string(nil), p.ids...) }

// Policy returns the pacing policy the pool checks eligibility with.
func (p *Pool) Policy() *pacing.Policy { return p.policy }

// Next acquires the preferred eligible account, or returns nil when none is
// eligible at now. The caller must Commit or Release the lease.
func (p *Pool) Next(ctx context.Context, now time.Time) (*Lease, error) {
	eligible := make([]campaign.Account, 0, len(p.ids))
	for _, id := range p.ids {
		a, ok := p.reg.Get(id)
		if !ok || p.reg.Busy(id) {
			continue
		}
		// Rank on today's counters, not on what was last persisted.
		p.policy.Refresh(&a, now)
		if p.policy.IsEligible(a, now) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	check := func(a campaign.Account) bool { return p.policy.IsEligible(a, now) }
	var (
		failed  int
		lastErr error
	)
	order := p.strategy.Order(eligible)
	for _, a := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l, err := p.reg.acquire(ctx, a.ID, check)
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		if l == nil {
			continue
		}
		p.strategy.Picked(a.ID)
		return l, nil
	}
	if failed == len(order) {
		return nil, fmt.Errorf("acquire account: %w", lastErr)
	}
	return nil, nil
}

// NextEligibleTime returns the earliest time any idle account of the pool may
// send. ok is false when every account is suspended.
func (p *Pool) NextEligibleTime(now time.Time) (next time.Time, ok bool) {
	for _, id := range p.ids {
		a, found := p.reg.Get(id)
		if !found {
			continue
		}
		t, eligible := p.policy.NextEligibleTime(a, now)
		if !eligible {
			continue
		}
		if !ok || t.Before(next) {
			next = t
			ok = true
		}
	}
	return next, ok
}

// AllSuspended reports whether no account of the pool can ever send again.
func (p *Pool) AllSuspended() bool {
	_, ok := p.NextEligibleTime(time.Now())
	return !ok
}

// Suspended returns the IDs of suspended pool accounts.
func (p *Pool) Suspended() []string {
	var out []string
	for _, id := range p.ids {
		if a, ok := p.reg.Get(id); ok && a.State == campaign.AccountSuspended {
			out = append(out, id)
		}
	}
	return out
}

// Restore continues round-robin rotation after lastID.
func (p *Pool) Restore(lastID string) {
	if lastID != "" {
		p.strategy.Picked(lastID)
	}
}
