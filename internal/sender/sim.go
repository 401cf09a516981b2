package sender

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	logx "campaignd/pkg/logx"
)

// SimConfig tunes the simulated platform.
type SimConfig struct {
	Latency       time.Duration
	TransientRate float64
	RateLimitRate float64
	RetryAfter    time.Duration
	Seed          int64
}

// Sim is a platform stand-in for dry runs. Recipients prefixed with
// "invalid:" are rejected permanently and accounts whose credentials equal
// "revoked" fail authentication; other sends fail at the configured rates.
type Sim struct {
	cfg SimConfig
	log logx.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	sent map[string]int
}

func NewSim(cfg SimConfig, log logx.Logger) *Sim {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sim{cfg: cfg, log: log, rng: rand.New(rand.NewSource(seed)), sent: map[string]int{}}
}

func (s *Sim) Send(ctx context.Context, req Request) error {
	if s.cfg.Latency > 0 {
		t := time.NewTimer(s.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Transient(ctx.Err())
		case <-t.C:
		}
	}
	if strings.HasPrefix(req.Recipient, "invalid:") {
		return PermanentRecipient(errors.New("sim: recipient rejected"))
	}
	if req.Account.Credentials == "revoked" {
		return AuthInvalid(errors.New("sim: credentials revoked"))
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()
	switch {
	case roll < s.cfg.RateLimitRate:
		return RateLimited(errors.New("sim: throttled"), s.cfg.RetryAfter)
	case roll < s.cfg.RateLimitRate+s.cfg.TransientRate:
		return Transient(errors.New("sim: network error"))
	}

	s.mu.Lock()
	s.sent[req.Account.ID]++
	s.mu.Unlock()
	s.log.Debug("sim send", logx.String("account", req.Account.ID), logx.String("recipient", req.Recipient))
	return nil
}

// Sent returns successful sends per account.
func (s *Sim) Sent() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.sent))
	for k, v := range s.sent {
		out[k] = v
	}
	return out
}
