package sender

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"campaignd/internal/campaign"
	logx "campaignd/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name  string
		err   error
		kind  campaign.ResultKind
		after time.Duration
	}{
		{name: "nil", err: nil, kind: campaign.ResultSuccess},
		{name: "unmarked", err: base, kind: campaign.ResultTransient},
		{name: "deadline", err: context.DeadlineExceeded, kind: campaign.ResultTransient},
		{name: "transient", err: Transient(base), kind: campaign.ResultTransient},
		{name: "rate limited", err: RateLimited(base, 3*time.Second), kind: campaign.ResultRateLimited, after: 3 * time.Second},
		{name: "wrapped rate limited", err: fmt.Errorf("send: %w", RateLimited(base, time.Second)), kind: campaign.ResultRateLimited, after: time.Second},
		{name: "auth", err: AuthInvalid(base), kind: campaign.ResultAuthInvalid},
		{name: "permanent", err: PermanentRecipient(base), kind: campaign.ResultPermanentRecipient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			kind, after := Classify(tt.err)
			if kind != tt.kind || after != tt.after {
				t.Fatalf("Classify = %s/%v, want %s/%v", kind, after, tt.kind, tt.after)
			}
		})
	}
	if !errors.Is(AuthInvalid(base), base) {
		t.Fatalf("marked errors must unwrap to the cause")
	}
	if Transient(nil) != nil {
		t.Fatalf("marking nil must return nil")
	}
}

func TestRegistryRoutesAndRecovers(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var got Request
	r.Register("Email", AdapterFunc(func(_ context.Context, req Request) error {
		got = req
		return nil
	}))
	r.Register("boom", AdapterFunc(func(context.Context, Request) error { panic("adapter bug") }))
	r.Register("slow", AdapterFunc(func(ctx context.Context, _ Request) error {
		<-ctx.Done()
		return Transient(ctx.Err())
	}))

	if err := r.Send(context.Background(), Request{Platform: " email ", Recipient: "x"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if got.Recipient != "x" {
		t.Fatalf("adapter did not receive request")
	}
	if k, _ := Classify(r.Send(context.Background(), Request{Platform: "boom"})); k != campaign.ResultTransient {
		t.Fatalf("panic kind = %s, want transient", k)
	}
	if k, _ := Classify(r.Send(context.Background(), Request{Platform: "nope"})); k != campaign.ResultPermanentRecipient {
		t.Fatalf("missing adapter kind = %s", k)
	}
	start := time.Now()
	if k, _ := Classify(r.Send(context.Background(), Request{Platform: "slow", Timeout: 20 * time.Millisecond})); k != campaign.ResultTransient {
		t.Fatalf("timeout kind = %s", k)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout was not applied")
	}
	if p := r.Platforms(); len(p) != 3 || p[0] != "boom" {
		t.Fatalf("Platforms = %v", p)
	}
}

func TestSim(t *testing.T) {
	t.Parallel()
	s := NewSim(SimConfig{Seed: 1}, logx.Nop())
	ok := Request{Account: campaign.Account{ID: "a"}, Recipient: "bob"}
	if err := s.Send(context.Background(), ok); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if k, _ := Classify(s.Send(context.Background(), Request{Account: campaign.Account{ID: "a"}, Recipient: "invalid:bob"})); k != campaign.ResultPermanentRecipient {
		t.Fatalf("invalid recipient kind = %s", k)
	}
	if k, _ := Classify(s.Send(context.Background(), Request{Account: campaign.Account{ID: "b", Credentials: "revoked"}, Recipient: "bob"})); k != campaign.ResultAuthInvalid {
		t.Fatalf("revoked kind = %s", k)
	}
	if s.Sent()["a"] != 1 {
		t.Fatalf("Sent = %v", s.Sent())
	}

	flaky := NewSim(SimConfig{Seed: 1, RateLimitRate: 1, RetryAfter: time.Minute}, logx.Nop())
	if k, after := Classify(flaky.Send(context.Background(), ok)); k != campaign.ResultRateLimited || after != time.Minute {
		t.Fatalf("rate limited sim = %s/%v", k, after)
	}
}
