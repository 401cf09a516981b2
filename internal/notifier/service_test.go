package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"campaignd/internal/campaign"
	"campaignd/internal/eventbus"
	logx "campaignd/pkg/logx"
)

type recordSink struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (r *recordSink) Deliver(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("boom")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordSink) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		RatePerSec:    100,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startService(t *testing.T, cfg Config, sink Sink, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, sink, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestFromEvent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		e    eventbus.Event
		want string
		ok   bool
	}{
		{"stalled", eventbus.Event{Type: eventbus.CampaignStalled, Data: eventbus.StateChange{CampaignID: "c1", Reason: "no eligible account"}}, "campaign c1 stalled: no eligible account", true},
		{"halted", eventbus.Event{Type: eventbus.CampaignHalted, Data: eventbus.StateChange{CampaignID: "c1", Reason: "store down"}}, "campaign c1 halted: store down", true},
		{"completed", eventbus.Event{Type: eventbus.CampaignState, Data: eventbus.StateChange{CampaignID: "c1", From: campaign.StateRunning, To: campaign.StateCompleted}}, "campaign c1 completed", true},
		{"paused is quiet", eventbus.Event{Type: eventbus.CampaignState, Data: eventbus.StateChange{CampaignID: "c1", To: campaign.StatePaused}}, "", false},
		{"suspended", eventbus.Event{Type: eventbus.AccountSuspended, Data: eventbus.AccountChange{AccountID: "a1", CampaignID: "c1", Cause: campaign.ResultAuthInvalid}}, "account a1 suspended", true},
		{"cooldown is quiet", eventbus.Event{Type: eventbus.AccountCooldown, Data: eventbus.AccountChange{AccountID: "a1"}}, "", false},
		{"outcome is quiet", eventbus.Event{Type: eventbus.TaskOutcome}, "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, ok := FromEvent(tt.e)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !strings.HasPrefix(a.Text, tt.want) {
				t.Fatalf("text = %q, want prefix %q", a.Text, tt.want)
			}
		})
	}
}

func TestNotifyDedups(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	s := startService(t, testConfig(), sink, nil)

	a := Alert{Priority: PriorityWarn, Key: "stalled:c1", Text: "campaign c1 stalled"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), a); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if err := s.Notify(context.Background(), Alert{Priority: PriorityWarn, Key: "stalled:c2", Text: "campaign c2 stalled"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sink.got()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := sink.got(); len(got) != 2 || !strings.HasPrefix(got[0], "⚠️ ") {
		t.Fatalf("delivered = %q", got)
	}
}

func TestRetriesUntilDelivered(t *testing.T) {
	t.Parallel()
	sink := &recordSink{fails: 2}
	s := startService(t, testConfig(), sink, nil)
	if err := s.Notify(context.Background(), Alert{Priority: PriorityAlert, Text: "halted"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sink.got()) == 1 })
	if h := s.Snapshot(); len(h) != 1 || h[0].Text != "🚨 halted" {
		t.Fatalf("history = %+v", h)
	}
}

func TestBusEventsBecomeAlerts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &recordSink{}
	startService(t, testConfig(), sink, bus)

	bus.Publish(eventbus.Event{Type: eventbus.TaskOutcome, Time: time.Now()})
	bus.Publish(eventbus.Event{Type: eventbus.CampaignHalted, Time: time.Now(),
		Data: eventbus.StateChange{CampaignID: "spring", From: campaign.StateRunning, To: campaign.StateRunning, Reason: "store unavailable"}})

	waitFor(t, func() bool { return len(sink.got()) == 1 })
	if got := sink.got()[0]; !strings.Contains(got, "spring halted") {
		t.Fatalf("alert = %q", got)
	}
}

func TestLifecycleErrors(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &recordSink{}, logx.Nop(), nil)
	if err := off.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Notify = %v", err)
	}

	sink := &recordSink{}
	s := New(testConfig(), sink, logx.Nop(), nil)
	if err := s.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify before Start = %v", err)
	}
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Alert{Text: "queued"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := sink.got(); len(got) != 1 {
		t.Fatalf("queued alert not drained on Stop: %q", got)
	}
	if err := s.Notify(context.Background(), Alert{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after Stop = %v", err)
	}
}
