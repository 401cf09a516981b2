package pacing

import (
	"testing"
	"time"

	"campaignd/internal/campaign"
)

func mustPolicy(t *testing.T, cfg campaign.PacingConfig, opts ...Option) *Policy {
	t.Helper()
	p, err := New(cfg, append([]Option{WithSeed(1)}, opts...)...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return p
}

func TestDayStart(t *testing.T) {
	t.Parallel()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tests := []struct {
		name string
		cfg  campaign.PacingConfig
		now  time.Time
		want time.Time
	}{
		{
			name: "utc midnight",
			now:  time.Date(2026, 3, 10, 15, 4, 0, 0, time.UTC),
			want: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exact boundary",
			now:  time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "timezone",
			cfg:  campaign.PacingConfig{Timezone: "Asia/Tokyo"},
			now:  time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 11, 0, 0, 0, 0, tokyo),
		},
		{
			name: "custom boundary",
			cfg:  campaign.PacingConfig{DayBoundary: "0 6 * * *"},
			now:  time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := mustPolicy(t, tt.cfg)
			if got := p.DayStart(tt.now); !got.Equal(tt.want) {
				t.Fatalf("DayStart = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextDayStart(t *testing.T) {
	t.Parallel()
	p := mustPolicy(t, campaign.PacingConfig{})
	now := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if got := p.NextDayStart(now); !got.Equal(want) {
		t.Fatalf("NextDayStart = %v, want %v", got, want)
	}
}

func TestRollingWindow(t *testing.T) {
	t.Parallel()
	p := mustPolicy(t, campaign.PacingConfig{})
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := campaign.Account{ID: "a1", Limits: campaign.Limits{MaxActionsPerWindow: 2, Window: time.Minute}}

	p.RecordAction(&a, t0)
	p.RecordAction(&a, t0.Add(10*time.Second))

	now := t0.Add(20 * time.Second)
	if p.IsEligible(a, now) {
		t.Fatalf("expected window to block at %v", now)
	}
	next, ok := p.NextEligibleTime(a, now)
	if !ok || !next.Equal(t0.Add(time.Minute)) {
		t.Fatalf("NextEligibleTime = %v (ok=%v), want %v", next, ok, t0.Add(time.Minute))
	}
	if !p.IsEligible(a, t0.Add(time.Minute)) {
		t.Fatalf("expected eligibility once oldest entry aged out")
	}
	if len(a.WindowLog) != 2 {
		t.Fatalf("IsEligible must not mutate the caller's account, window=%d", len(a.WindowLog))
	}
}

func TestDailyLimitWaitsForBoundary(t *testing.T) {
	t.Parallel()
	p := mustPolicy(t, campaign.PacingConfig{})
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a := campaign.Account{ID: "a1", Limits: campaign.Limits{DailyLimit: 1}}

	p.RecordAction(&a, t0)
	if a.ActionsToday != 1 {
		t.Fatalf("ActionsToday = %d, want 1", a.ActionsToday)
	}
	next, ok := p.NextEligibleTime(a, t0.Add(time.Hour))
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !ok || !next.Equal(want) {
		t.Fatalf("NextEligibleTime = %v (ok=%v), want %v", next, ok, want)
	}
	if !p.IsEligible(a, want) {
		t.Fatalf("expected eligibility after day boundary")
	}
}

func TestRefreshResetsDay(t *testing.T) {
	t.Parallel()
	p := mustPolicy(t, campaign.PacingConfig{})
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a := campaign.Account{
		ID:           "a1",
		State:        campaign.AccountActive,
		ActionsToday: 5,
		DayStart:     time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	}
	if !p.Refresh(&a, now) {
		t.Fatalf("expected Refresh to report a change")
	}
	if a.ActionsToday != 0 {
		t.Fatalf("ActionsToday = %d, want 0", a.ActionsToday)
	}
	if !a.DayStart.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("DayStart = %v", a.DayStart)
	}
	if p.Refresh(&a, now) {
		t.Fatalf("second Refresh should be a no-op")
	}
}

func TestCooldownAndSuspension(t *testing.T) {
	t.Parallel()
	p := mustPolicy(t, campaign.PacingConfig{})
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	until := now.Add(5 * time.Minute)

	cool := campaign.Account{ID: "c", State: campaign.AccountCooldown, CooldownUntil: until}
	next, ok := p.NextEligibleTime(cool, now)
	if !ok || !next.Equal(until) {
		t.Fatalf("cooldown NextEligibleTime = %v (ok=%v), want %v", next, ok, until)
	}
	if p.IsEligible(cool, now) {
		t.Fatalf("cooling account must not be eligible")
	}
	if !p.IsEligible(cool, until) {
		t.Fatalf("cooldown should end at CooldownUntil")
	}
	p.Refresh(&cool, until)
	if cool.State != campaign.AccountActive || !cool.CooldownUntil.IsZero() {
		t.Fatalf("Refresh did not clear cooldown: %+v", cool)
	}

	susp := campaign.Account{ID: "s", State: campaign.AccountSuspended}
	if _, ok := p.NextEligibleTime(susp, now); ok {
		t.Fatalf("suspended account must never become eligible")
	}
}

func TestIntervalJitter(t *testing.T) {
	t.Parallel()
	p := mustPolicy(t, campaign.PacingConfig{MinInterval: time.Second, MaxInterval: 3 * time.Second})
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		a := campaign.Account{ID: "a"}
		p.RecordAction(&a, t0)
		if a.NextDelay < time.Second || a.NextDelay > 3*time.Second {
			t.Fatalf("NextDelay = %v outside [1s,3s]", a.NextDelay)
		}
		next, _ := p.NextEligibleTime(a, t0)
		if !next.Equal(t0.Add(a.NextDelay)) {
			t.Fatalf("NextEligibleTime = %v, want %v", next, t0.Add(a.NextDelay))
		}
	}

	fixed := mustPolicy(t, campaign.PacingConfig{MinInterval: 2 * time.Second, MaxInterval: 2 * time.Second})
	if d := fixed.DrawDelay(); d != 2*time.Second {
		t.Fatalf("DrawDelay = %v, want 2s", d)
	}
}

func TestModePresetFillsLimits(t *testing.T) {
	t.Parallel()
	p := mustPolicy(t, campaign.PacingConfig{}, WithPresets(Presets{"cautious": {DailyLimit: 3}}))

	lim := p.Limits(campaign.Account{Mode: "1_per_min"})
	if lim.MaxActionsPerWindow != 1 || lim.Window != time.Minute {
		t.Fatalf("1_per_min limits = %+v", lim)
	}
	lim = p.Limits(campaign.Account{Mode: "cautious", Limits: campaign.Limits{MaxActionsPerWindow: 4, Window: time.Hour}})
	if lim.DailyLimit != 3 || lim.MaxActionsPerWindow != 4 || lim.Window != time.Hour {
		t.Fatalf("merged limits = %+v", lim)
	}
}

func TestParsePreset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want campaign.Limits
	}{
		{raw: "5_per_day", want: campaign.Limits{DailyLimit: 5}},
		{raw: "1_per_min", want: campaign.Limits{MaxActionsPerWindow: 1, Window: time.Minute}},
		{raw: "2_per_minute", want: campaign.Limits{MaxActionsPerWindow: 2, Window: time.Minute}},
		{raw: "10_per_hour", want: campaign.Limits{MaxActionsPerWindow: 10, Window: time.Hour}},
		{raw: " 3_PER_SEC ", want: campaign.Limits{MaxActionsPerWindow: 3, Window: time.Second}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParsePreset(tt.raw)
			if err != nil {
				t.Fatalf("ParsePreset(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParsePreset(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
	for _, bad := range []string{"", "fast", "0_per_day", "5_per_week"} {
		if _, err := ParsePreset(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	bad := []campaign.PacingConfig{
		{MinInterval: 2 * time.Second, MaxInterval: time.Second},
		{Timezone: "Nowhere/Nope"},
		{DayBoundary: "not cron"},
		{Rotation: "sideways"},
	}
	for i, cfg := range bad {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, cfg)
		}
	}
}
