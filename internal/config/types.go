package config

// Config is the campaignd configuration file.
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Unknown keys
// are rejected on load and on reload.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Retry      RetryConfig      `json:"retry"`
	HTTP       HTTPConfig       `json:"http"`
	Lease      LeaseConfig      `json:"lease"`
	Senders    SendersConfig    `json:"senders"`
	Notifier   NotifierConfig   `json:"notifier"`

	// Presets are named sending modes accounts may reference by "mode".
	Presets map[string]PresetConfig `json:"presets,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the campaign store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./campaignd.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	CompactEvery int    `json:"compact_every,omitempty"` // file journal
}

// DispatcherConfig holds dispatcher-wide defaults. Campaign pacing may
// override stall_timeout and max_parallel_accounts.
//
// Defaults (when omitted/zero):
//   - poll_interval: "1s"
//   - stall_timeout: "5m"
//   - send_timeout: "30s"
//   - max_parallel_accounts: 1
type DispatcherConfig struct {
	PollInterval        string `json:"poll_interval,omitempty"`
	StallTimeout        string `json:"stall_timeout,omitempty"`
	SendTimeout         string `json:"send_timeout,omitempty"`
	MaxParallelAccounts int    `json:"max_parallel_accounts,omitempty"`
	DefaultTimezone     string `json:"default_timezone,omitempty"`
	// ResumeOnStart relaunches campaigns left Running by a previous process.
	// A pointer so an omitted key defaults to true.
	ResumeOnStart *bool `json:"resume_on_start,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
	Cooldown    string  `json:"cooldown,omitempty"`
}

// HTTPConfig controls the operator API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8686").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool    `json:"enabled"`
	Addr          string  `json:"addr,omitempty"`
	Token         string  `json:"token,omitempty"` // do not log
	AllowInsecure bool    `json:"allow_insecure,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	VerbTimeout   string  `json:"verb_timeout,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof PprofConfig `json:"pprof"`
}

type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Prefix               string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

// LeaseConfig adds a cross-process account lease. "local" (default) keeps
// leases in process.
type LeaseConfig struct {
	Driver   string `json:"driver,omitempty"`
	RedisURL string `json:"redis_url,omitempty"` // do not log
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

type SendersConfig struct {
	Sim      *SimSenderConfig      `json:"sim,omitempty"`
	Telegram *TelegramSenderConfig `json:"telegram,omitempty"`
	Email    *EmailSenderConfig    `json:"email,omitempty"`
}

// SimSenderConfig registers the simulated "sim" platform for dry runs.
type SimSenderConfig struct {
	Enabled       bool    `json:"enabled"`
	Latency       string  `json:"latency,omitempty"`
	TransientRate float64 `json:"transient_rate,omitempty"`
	RateLimitRate float64 `json:"rate_limit_rate,omitempty"`
	RetryAfter    string  `json:"retry_after,omitempty"`
}

// TelegramSenderConfig registers the "telegram" platform. Account
// credentials carry the bot tokens.
type TelegramSenderConfig struct {
	Enabled   bool   `json:"enabled"`
	APIURL    string `json:"api_url,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// EmailSenderConfig registers the "email" platform (Amazon SES). AWS
// credentials come from the default chain (.env, environment, shared config).
type EmailSenderConfig struct {
	Enabled          bool   `json:"enabled"`
	Region           string `json:"region,omitempty"`
	DefaultSubject   string `json:"default_subject,omitempty"`
	ConfigurationSet string `json:"configuration_set,omitempty"`
}

// NotifierConfig sends operator alerts (stalls, halts, suspensions) to a
// Telegram chat. Tuning applies live; the telegram block needs a restart.
type NotifierConfig struct {
	Enabled       bool             `json:"enabled"`
	Workers       int              `json:"workers,omitempty"`
	QueueSize     int              `json:"queue_size,omitempty"`
	RatePerSec    int              `json:"rate_per_sec,omitempty"`
	RetryMax      int              `json:"retry_max,omitempty"`
	RetryBase     string           `json:"retry_base,omitempty"`
	RetryMaxDelay string           `json:"retry_max_delay,omitempty"`
	DedupWindow   string           `json:"dedup_window,omitempty"`
	Telegram      NotifierTelegram `json:"telegram"`
}

type NotifierTelegram struct {
	Token    string `json:"token,omitempty"` // do not log
	ChatID   string `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type PresetConfig struct {
	MaxActionsPerWindow int    `json:"max_actions_per_window,omitempty"`
	Window              string `json:"window,omitempty"`
	DailyLimit          int    `json:"daily_limit,omitempty"`
}
