package pacing

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"campaignd/internal/campaign"
)

// DefaultDayBoundary starts a new counting day at local midnight.
const DefaultDayBoundary = "0 0 * * *"

// Policy decides whether an account may send now and when it may send next.
//
// A Policy is bound to one campaign's PacingConfig. It never locks accounts;
// callers pass copies or hold the account's own lock.
type Policy struct {
	cfg      campaign.PacingConfig
	loc      *time.Location
	boundary cron.Schedule
	presets  Presets

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Policy)

// WithSeed makes jitter deterministic.
func WithSeed(seed int64) Option {
	return func(p *Policy) { p.rng = rand.New(rand.NewSource(seed)) }
}

// WithPresets adds named sending-mode presets used to resolve Account.Mode.
func WithPresets(ps Presets) Option {
	return func(p *Policy) { p.presets = ps }
}

func New(cfg campaign.PacingConfig, opts ...Option) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("pacing timezone %q: %w", tz, err)
		}
		loc = l
	}
	expr := strings.TrimSpace(cfg.DayBoundary)
	if expr == "" {
		expr = DefaultDayBoundary
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("pacing day_boundary %q: %w", expr, err)
	}
	p := &Policy{cfg: cfg, loc: loc, boundary: sched}
	for _, o := range opts {
		o(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p, nil
}

func (p *Policy) Config() campaign.PacingConfig { return p.cfg }

// Location is the timezone used for day boundaries.
func (p *Policy) Location() *time.Location { return p.loc }

// Limits returns the account limits with its Mode preset applied to zero fields.
func (p *Policy) Limits(a campaign.Account) campaign.Limits {
	lim := a.Limits
	if strings.TrimSpace(a.Mode) == "" {
		return lim
	}
	preset, err := p.presets.Resolve(a.Mode)
	if err != nil {
		return lim
	}
	return Merge(lim, preset)
}

// DayStart returns the most recent day boundary at or before now.
func (p *Policy) DayStart(now time.Time) time.Time {
	t := now.In(p.loc)
	probe := t.Add(-49 * time.Hour)
	var prev time.Time
	for i := 0; i < 4096; i++ {
		n := p.boundary.Next(probe)
		if n.IsZero() || n.After(t) {
			break
		}
		prev = n
		probe = n
	}
	if prev.IsZero() {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, p.loc)
	}
	return prev
}

// NextDayStart returns the first day boundary strictly after now.
func (p *Policy) NextDayStart(now time.Time) time.Time {
	return p.boundary.Next(now.In(p.loc))
}

// DrawDelay samples the inter-send delay uniformly from [MinInterval, MaxInterval].
func (p *Policy) DrawDelay() time.Duration {
	lo, hi := p.cfg.MinInterval, p.cfg.MaxInterval
	if hi <= lo {
		return lo
	}
	p.rngMu.Lock()
	n := p.rng.Int63n(int64(hi-lo) + 1)
	p.rngMu.Unlock()
	return lo + time.Duration(n)
}

// Refresh ages out rolling-window entries, resets the daily counter on a new
// day and ends an elapsed cooldown. It reports whether a changed.
func (p *Policy) Refresh(a *campaign.Account, now time.Time) bool {
	changed := false
	if a.State == campaign.AccountCooldown && !now.Before(a.CooldownUntil) {
		a.State = campaign.AccountActive
		a.CooldownUntil = time.Time{}
		changed = true
	}
	if a.State == "" {
		a.State = campaign.AccountActive
		changed = true
	}

	lim := p.Limits(*a)
	if lim.Window <= 0 {
		if len(a.WindowLog) > 0 {
			a.WindowLog = nil
			changed = true
		}
	} else if len(a.WindowLog) > 0 {
		keep := make([]time.Time, 0, len(a.WindowLog))
		for _, ts := range a.WindowLog {
			if now.Before(ts.Add(lim.Window)) {
				keep = append(keep, ts)
			}
		}
		if len(keep) != len(a.WindowLog) {
			a.WindowLog = keep
			changed = true
		}
	}

	ds := p.DayStart(now)
	if a.DayStart.IsZero() || a.DayStart.Before(ds) {
		if a.ActionsToday != 0 {
			a.ActionsToday = 0
			changed = true
		}
		if !a.DayStart.Equal(ds) {
			a.DayStart = ds
			changed = true
		}
	}
	return changed
}

// IsEligible reports whether a may send at now.
func (p *Policy) IsEligible(a campaign.Account, now time.Time) bool {
	next, ok := p.NextEligibleTime(a, now)
	return ok && !next.After(now)
}

// NextEligibleTime returns the earliest time a may send. ok is false when
// the account will never become eligible (suspended).
func (p *Policy) NextEligibleTime(a campaign.Account, now time.Time) (next time.Time, ok bool) {
	a = a.Clone()
	p.Refresh(&a, now)

	switch a.State {
	case campaign.AccountSuspended:
		return time.Time{}, false
	case campaign.AccountCooldown:
		return a.CooldownUntil, true
	}

	next = now
	later := func(t time.Time) {
		if t.After(next) {
			next = t
		}
	}

	lim := p.Limits(a)
	if lim.MaxActionsPerWindow > 0 && lim.Window > 0 && len(a.WindowLog) >= lim.MaxActionsPerWindow {
		// WindowLog is ascending; the window frees up when enough entries age out.
		oldest := a.WindowLog[len(a.WindowLog)-lim.MaxActionsPerWindow]
		later(oldest.Add(lim.Window))
	}
	if lim.DailyLimit > 0 && a.ActionsToday >= lim.DailyLimit {
		later(p.NextDayStart(now))
	}
	if !a.LastActionAt.IsZero() {
		later(a.LastActionAt.Add(a.NextDelay))
	}
	return next, true
}

// RecordAction updates counters after a send attempt on a completed at now
// and fixes the delay before its next send.
func (p *Policy) RecordAction(a *campaign.Account, now time.Time) {
	p.Refresh(a, now)
	a.ActionsToday++
	if lim := p.Limits(*a); lim.Window > 0 {
		a.WindowLog = append(a.WindowLog, now)
	}
	a.LastActionAt = now
	a.NextDelay = p.DrawDelay()
	a.UpdatedAt = now
}
