package retry

import (
	"math/rand"
	"sync"
	"time"

	"campaignd/internal/campaign"
)

// Action is what the dispatcher does with a task after an attempt.
type Action string

const (
	Advance          Action = "advance"
	RetryWithBackoff Action = "retry_with_backoff"
	SuspendAccount   Action = "suspend_account"
	SkipTask         Action = "skip_task"
)

// Config bounds retries. Zero fields take defaults.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	// Cooldown is how long a rate-limited account leaves rotation.
	Cooldown time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 15 * time.Second
	defaultJitter      = 0.2
	defaultCooldown    = 15 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter == 0 {
		c.Jitter = defaultJitter
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	return c
}

// Decision is the result of classifying one attempt.
type Decision struct {
	Action Action
	// Status is the task status after the decision.
	Status campaign.TaskStatus
	// Delay postpones the retried task (RetryWithBackoff only).
	Delay time.Duration
	// Cooldown > 0 removes the account from rotation for that long.
	Cooldown time.Duration
	// Charge reports whether the attempt counts toward MaxAttempts.
	Charge bool
}

// Policy classifies outcomes. Safe for concurrent use.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, seed int64) *Policy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Policy{cfg: cfg.withDefaults(), rng: rand.New(rand.NewSource(seed))}
}

func (p *Policy) Config() Config { return p.cfg }

// Classify decides what follows an attempt of the given kind. attempt is the
// 1-based number of the attempt just made; hint is an adapter retry-after.
func (p *Policy) Classify(kind campaign.ResultKind, attempt int, hint time.Duration) Decision {
	switch kind {
	case campaign.ResultSuccess:
		return Decision{Action: Advance, Status: campaign.TaskSent, Charge: true}

	case campaign.ResultPermanentRecipient:
		return Decision{Action: SkipTask, Status: campaign.TaskSkipped, Charge: true}

	case campaign.ResultAuthInvalid:
		// The account is at fault, not the task: requeue without charging it.
		return Decision{Action: SuspendAccount, Status: campaign.TaskPending}

	case campaign.ResultRateLimited:
		cool := p.cfg.Cooldown
		if hint > cool {
			cool = hint
		}
		if attempt >= p.cfg.MaxAttempts {
			return Decision{Action: Advance, Status: campaign.TaskFailed, Cooldown: cool, Charge: true}
		}
		return Decision{
			Action:   RetryWithBackoff,
			Status:   campaign.TaskPending,
			Delay:    p.Backoff(attempt, hint),
			Cooldown: cool,
			Charge:   true,
		}

	default:
		if attempt >= p.cfg.MaxAttempts {
			return Decision{Action: Advance, Status: campaign.TaskFailed, Charge: true}
		}
		return Decision{
			Action: RetryWithBackoff,
			Status: campaign.TaskPending,
			Delay:  p.Backoff(attempt, hint),
			Charge: true,
		}
	}
}

// Backoff returns the delay before retry number n (1-based). A positive hint
// replaces the exponential delay; both are capped by MaxDelay and jittered.
func (p *Policy) Backoff(n int, hint time.Duration) time.Duration {
	if hint > 0 {
		return p.jitter(hint)
	}
	d := p.cfg.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d > p.cfg.MaxDelay {
			d = p.cfg.MaxDelay
			break
		}
	}
	return p.jitter(d)
}

func (p *Policy) jitter(d time.Duration) time.Duration {
	maxD := p.cfg.MaxDelay
	if d > maxD {
		d = maxD
	}
	if j := p.cfg.Jitter; j > 0 && d > 0 {
		p.mu.Lock()
		r := (p.rng.Float64()*2 - 1) * j
		p.mu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
