package pacing

import (
	"time"

	"campaignd/internal/campaign"
)

// BatchGate pauses the whole pool after BatchSize consecutive sends.
//
// Not safe for concurrent use; the dispatcher loop owns it.
type BatchGate struct {
	size  int
	pause time.Duration

	count int
	until time.Time
}

func NewBatchGate(size int, pause time.Duration) *BatchGate {
	return &BatchGate{size: size, pause: pause}
}

// Ready reports whether a new send may be issued. When false, until is the
// end of the running pause.
func (g *BatchGate) Ready(now time.Time) (ok bool, until time.Time) {
	if g == nil || g.until.IsZero() || !now.Before(g.until) {
		return true, time.Time{}
	}
	return false, g.until
}

// Record counts one issued send and reports whether it started a pause.
func (g *BatchGate) Record(now time.Time) bool {
	if g == nil || g.size <= 0 || g.pause <= 0 {
		return false
	}
	g.count++
	if g.count < g.size {
		return false
	}
	g.count = 0
	g.until = now.Add(g.pause)
	return true
}

// Reset drops the count and any running pause (resume recomputes delays).
func (g *BatchGate) Reset() {
	if g == nil {
		return
	}
	g.count = 0
	g.until = time.Time{}
}

// DailyCap enforces PacingConfig.DailyLimit across the whole campaign.
//
// Not safe for concurrent use; the dispatcher loop owns it.
type DailyCap struct {
	policy *Policy
	limit  int

	day   time.Time
	count int
}

func NewDailyCap(p *Policy) *DailyCap {
	return &DailyCap{policy: p, limit: p.cfg.DailyLimit}
}

// Seed rebuilds today's count from the outcome log.
func (c *DailyCap) Seed(outcomes []campaign.Outcome, now time.Time) {
	c.day = c.policy.DayStart(now)
	c.count = 0
	for _, o := range outcomes {
		if !o.At.Before(c.day) {
			c.count++
		}
	}
}

func (c *DailyCap) roll(now time.Time) {
	ds := c.policy.DayStart(now)
	if c.day.IsZero() || c.day.Before(ds) {
		c.day = ds
		c.count = 0
	}
}

// Ready reports whether the campaign may issue another send today.
func (c *DailyCap) Ready(now time.Time) (ok bool, until time.Time) {
	if c == nil || c.limit <= 0 {
		return true, time.Time{}
	}
	c.roll(now)
	if c.count < c.limit {
		return true, time.Time{}
	}
	return false, c.policy.NextDayStart(now)
}

func (c *DailyCap) Record(now time.Time) {
	if c == nil || c.limit <= 0 {
		return
	}
	c.roll(now)
	c.count++
}

// Count returns sends counted for the current day.
func (c *DailyCap) Count() int {
	if c == nil {
		return 0
	}
	return c.count
}
