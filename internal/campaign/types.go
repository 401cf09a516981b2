package campaign

import (
	"time"
)

// State is the campaign lifecycle state.
type State string

const (
	StateDraft     State = "draft"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateStalled   State = "stalled"
)

// Terminal reports whether no further transitions are allowed.
//
// Stalled is terminal for the run that detected it; an operator may start the
// campaign again once accounts recover.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// CanStart reports whether Start is allowed from s.
func (s State) CanStart() bool {
	return s == StateDraft || s == StateQueued || s == StateStalled
}

// TaskStatus is the live status of one SendTask.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskInFlight TaskStatus = "in_flight"
	TaskSent     TaskStatus = "sent"
	TaskFailed   TaskStatus = "failed"
	TaskSkipped  TaskStatus = "skipped"
)

// Done reports whether the status is final.
func (s TaskStatus) Done() bool {
	return s == TaskSent || s == TaskFailed || s == TaskSkipped
}

// ResultKind classifies the result of one send attempt.
type ResultKind string

const (
	ResultSuccess            ResultKind = "success"
	ResultTransient          ResultKind = "transient_error"
	ResultRateLimited        ResultKind = "rate_limited"
	ResultAuthInvalid        ResultKind = "auth_invalid"
	ResultPermanentRecipient ResultKind = "permanent_recipient_error"
)

// AccountState is the rotation state of a sender identity.
type AccountState string

const (
	AccountActive    AccountState = "active"
	AccountCooldown  AccountState = "cooldown"
	AccountSuspended AccountState = "suspended"
)

// RotationStrategy selects the account for the next task.
type RotationStrategy string

const (
	RotateRoundRobin RotationStrategy = "round_robin"
	RotateRandom     RotationStrategy = "random"
	RotateLeastUsed  RotationStrategy = "least_used"
	RotateWeighted   RotationStrategy = "weighted"
)

// Valid reports whether r is a known strategy. Empty means round_robin.
func (r RotationStrategy) Valid() bool {
	switch r {
	case "", RotateRoundRobin, RotateRandom, RotateLeastUsed, RotateWeighted:
		return true
	}
	return false
}

// PacingConfig holds campaign-wide pacing options.
//
// All fields are optional; zero disables the corresponding limit.
type PacingConfig struct {
	// MinInterval/MaxInterval bound the randomized delay between two sends on
	// the same account.
	MinInterval time.Duration `json:"min_interval,omitempty"`
	MaxInterval time.Duration `json:"max_interval,omitempty"`

	// BatchSize sends across the whole pool trigger a BatchPause.
	BatchSize  int           `json:"batch_size,omitempty"`
	BatchPause time.Duration `json:"batch_pause_duration,omitempty"`

	// DailyLimit caps sends of the whole campaign per day.
	DailyLimit int `json:"daily_limit,omitempty"`

	Rotation RotationStrategy `json:"rotation_strategy,omitempty"`

	// Timezone is an IANA name used for day boundaries (UTC when empty).
	Timezone string `json:"timezone,omitempty"`
	// DayBoundary is a cron expression marking the start of a day (default "0 0 * * *").
	DayBoundary string `json:"day_boundary,omitempty"`

	// MaxParallelAccounts bounds concurrent sends of this campaign (0 = dispatcher default).
	MaxParallelAccounts int `json:"max_parallel_accounts,omitempty"`
	// StallTimeout overrides the dispatcher stall timeout.
	StallTimeout time.Duration `json:"stall_timeout,omitempty"`
}

// Limits are the capability limits of one account.
type Limits struct {
	MaxActionsPerWindow int           `json:"max_actions_per_window,omitempty"`
	Window              time.Duration `json:"window_duration,omitempty"`
	DailyLimit          int           `json:"daily_limit,omitempty"`
}

// Campaign is one execution of a recipient list through a pool of accounts.
type Campaign struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Platform string       `json:"platform"`
	Accounts []string     `json:"accounts"`
	Pacing   PacingConfig `json:"pacing"`
	State    State        `json:"state"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// SendTask is one recipient of a campaign.
type SendTask struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	Seq        int        `json:"seq"`
	Recipient  string     `json:"recipient"`
	Payload    string     `json:"payload"`
	Status     TaskStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  ResultKind `json:"last_error,omitempty"`
	AccountID  string     `json:"account_id,omitempty"`

	// NotBefore delays a retried task until its backoff elapsed.
	NotBefore time.Time `json:"not_before,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Account is a sender identity with its own rate budget.
type Account struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	// Credentials is opaque to the engine (token, from-address, session ref).
	Credentials string `json:"credentials,omitempty"`
	// Mode names a sending-mode preset ("5_per_day"); it fills zero Limits.
	Mode   string  `json:"mode,omitempty"`
	Weight float64 `json:"weight,omitempty"`
	Limits Limits  `json:"limits"`

	State         AccountState `json:"state"`
	CooldownUntil time.Time    `json:"cooldown_until,omitempty"`

	// Counters.
	ActionsToday int         `json:"actions_today"`
	WindowLog    []time.Time `json:"window_log,omitempty"`
	DayStart     time.Time   `json:"day_start,omitempty"`

	// LastActionAt and NextDelay fix the jittered delay drawn at the previous send.
	LastActionAt time.Time     `json:"last_action_at,omitempty"`
	NextDelay    time.Duration `json:"next_delay,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ActionsInWindow is the number of sends still inside the rolling window.
// Call pacing.Policy.Refresh first to age out old entries.
func (a Account) ActionsInWindow() int { return len(a.WindowLog) }

// Clone returns a deep copy.
func (a Account) Clone() Account {
	cp := a
	if len(a.WindowLog) > 0 {
		cp.WindowLog = append([]time.Time(nil), a.WindowLog...)
	}
	return cp
}

// Outcome is the append-only record of one send attempt.
type Outcome struct {
	ID         string        `json:"id"`
	CampaignID string        `json:"campaign_id"`
	TaskID     string        `json:"task_id"`
	AccountID  string        `json:"account_id"`
	Kind       ResultKind    `json:"kind"`
	Attempt    int           `json:"attempt"`
	At         time.Time     `json:"at"`
	Message    string        `json:"message,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}
