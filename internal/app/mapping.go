package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campaignd/internal/campaign"
	"campaignd/internal/config"
	"campaignd/internal/dispatch"
	"campaignd/internal/httpapi"
	"campaignd/internal/lease"
	"campaignd/internal/notifier"
	"campaignd/internal/pacing"
	"campaignd/internal/retry"
	"campaignd/internal/sender"
	"campaignd/internal/sender/email"
	"campaignd/internal/sender/telegram"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if sc.CompactEvery < 0 {
		return storage.Config{}, errors.New("storage.compact_every must be >= 0")
	}

	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./campaignd_store"
		}
		return storage.Config{Driver: "file", Path: path, CompactEvery: sc.CompactEvery}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		var d config.Durations
		busy := d.Get("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err := d.Err(); err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatcher
	if dc.MaxParallelAccounts < 0 {
		return dispatch.Config{}, errors.New("dispatcher.max_parallel_accounts must be >= 0")
	}
	if tz := strings.TrimSpace(dc.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatcher.default_timezone: invalid %q: %w", tz, err)
		}
	}
	var d config.Durations
	out := dispatch.Config{
		PollInterval:        d.Get("dispatcher.poll_interval", dc.PollInterval, time.Second),
		StallTimeout:        d.Get("dispatcher.stall_timeout", dc.StallTimeout, 5*time.Minute),
		SendTimeout:         d.Get("dispatcher.send_timeout", dc.SendTimeout, 30*time.Second),
		MaxParallelAccounts: dc.MaxParallelAccounts,
		DefaultTimezone:     strings.TrimSpace(dc.DefaultTimezone),
	}
	return out, d.Err()
}

func resumeOnStart(cfg *config.Config) bool {
	if cfg.Dispatcher.ResumeOnStart == nil {
		return true
	}
	return *cfg.Dispatcher.ResumeOnStart
}

func mapRetryConfig(cfg *config.Config) (retry.Config, error) {
	rc := cfg.Retry
	if rc.MaxAttempts < 0 {
		return retry.Config{}, errors.New("retry.max_attempts must be >= 0")
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		return retry.Config{}, errors.New("retry.jitter must be within [0,1]")
	}
	var d config.Durations
	out := retry.Config{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   d.Get("retry.base_delay", rc.BaseDelay, 0),
		MaxDelay:    d.Get("retry.max_delay", rc.MaxDelay, 0),
		Jitter:      rc.Jitter,
		Cooldown:    d.Get("retry.cooldown", rc.Cooldown, 0),
	}
	return out, d.Err()
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	if hc.RatePerSec < 0 || hc.Burst < 0 {
		return httpapi.Config{}, errors.New("http.rate_per_sec and http.burst must be >= 0")
	}
	var d config.Durations
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		RatePerSec:    hc.RatePerSec,
		Burst:         hc.Burst,
		VerbTimeout:   d.Get("http.verb_timeout", hc.VerbTimeout, time.Minute),
		ReadTimeout:   d.Get("http.read_timeout", hc.ReadTimeout, 10*time.Second),
		WriteTimeout:  d.Get("http.write_timeout", hc.WriteTimeout, 0),
		IdleTimeout:   d.Get("http.idle_timeout", hc.IdleTimeout, 60*time.Second),
		Pprof: httpapi.PprofConfig{
			Enabled:              hc.Pprof.Enabled,
			Prefix:               hc.Pprof.Prefix,
			MutexProfileFraction: hc.Pprof.MutexProfileFraction,
			BlockProfileRate:     hc.Pprof.BlockProfileRate,
		},
	}
	return out, d.Err()
}

type leaseSettings struct {
	redis  bool
	dial   lease.Config
	ttl    time.Duration
	driver string
}

func mapLeaseConfig(cfg *config.Config) (leaseSettings, error) {
	lc := cfg.Lease
	driver := strings.ToLower(strings.TrimSpace(lc.Driver))
	var d config.Durations
	ttl := d.Get("lease.ttl", lc.TTL, 2*time.Minute)
	if err := d.Err(); err != nil {
		return leaseSettings{}, err
	}
	switch driver {
	case "", "local":
		return leaseSettings{driver: "local"}, nil
	case "redis":
		if strings.TrimSpace(lc.RedisURL) == "" {
			return leaseSettings{}, errors.New("lease.redis_url is required when lease.driver=redis")
		}
		return leaseSettings{
			redis:  true,
			driver: driver,
			dial:   lease.Config{URL: strings.TrimSpace(lc.RedisURL), Prefix: lc.Prefix},
			ttl:    ttl,
		}, nil
	default:
		return leaseSettings{}, fmt.Errorf("unknown lease.driver: %s", lc.Driver)
	}
}

func mapPresets(cfg *config.Config) (pacing.Presets, error) {
	out := pacing.Presets{}
	for name, pc := range cfg.Presets {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, errors.New("presets: empty name")
		}
		if pc.MaxActionsPerWindow < 0 || pc.DailyLimit < 0 {
			return nil, fmt.Errorf("presets.%s: limits must be >= 0", name)
		}
		win, err := config.ParseDurationField("presets."+name+".window", pc.Window)
		if err != nil {
			return nil, err
		}
		if pc.MaxActionsPerWindow > 0 && win <= 0 {
			return nil, fmt.Errorf("presets.%s: window is required with max_actions_per_window", name)
		}
		out[key] = campaign.Limits{MaxActionsPerWindow: pc.MaxActionsPerWindow, Window: win, DailyLimit: pc.DailyLimit}
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, notifier.TelegramConfig, error) {
	nc := cfg.Notifier
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, notifier.TelegramConfig{}, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	if nc.Enabled && (strings.TrimSpace(nc.Telegram.Token) == "" || strings.TrimSpace(nc.Telegram.ChatID) == "") {
		return notifier.Config{}, notifier.TelegramConfig{}, errors.New("notifier.telegram.token and chat_id are required when notifier.enabled=true")
	}
	var d config.Durations
	out := notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     d.Get("notifier.retry_base", nc.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: d.Get("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second),
		DedupWindow:   d.Get("notifier.dedup_window", nc.DedupWindow, 10*time.Minute),
	}
	tc := notifier.TelegramConfig{
		Token:    nc.Telegram.Token,
		ChatID:   nc.Telegram.ChatID,
		ThreadID: nc.Telegram.ThreadID,
		APIURL:   nc.Telegram.APIURL,
		Timeout:  d.Get("notifier.telegram.timeout", nc.Telegram.Timeout, 10*time.Second),
	}
	return out, tc, d.Err()
}

// buildSenders registers the enabled platforms. With none configured the
// simulated platform is registered so a fresh install can dry-run.
func buildSenders(ctx context.Context, cfg *config.Config, log logx.Logger) (*sender.Registry, error) {
	reg := sender.NewRegistry()
	sc := cfg.Senders
	var d config.Durations

	if sc.Sim != nil && sc.Sim.Enabled {
		reg.Register("sim", sender.NewSim(sender.SimConfig{
			Latency:       d.Get("senders.sim.latency", sc.Sim.Latency, 0),
			TransientRate: sc.Sim.TransientRate,
			RateLimitRate: sc.Sim.RateLimitRate,
			RetryAfter:    d.Get("senders.sim.retry_after", sc.Sim.RetryAfter, 0),
		}, log.With(logx.String("platform", "sim"))))
	}
	if sc.Telegram != nil && sc.Telegram.Enabled {
		reg.Register("telegram", telegram.New(telegram.Config{
			APIURL:    sc.Telegram.APIURL,
			ParseMode: sc.Telegram.ParseMode,
			Timeout:   d.Get("senders.telegram.timeout", sc.Telegram.Timeout, 10*time.Second),
		}, log.With(logx.String("platform", "telegram"))))
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	if sc.Email != nil && sc.Email.Enabled {
		ad, err := email.New(ctx, email.Config{
			Region:           sc.Email.Region,
			DefaultSubject:   sc.Email.DefaultSubject,
			ConfigurationSet: sc.Email.ConfigurationSet,
		}, log.With(logx.String("platform", "email")))
		if err != nil {
			return nil, err
		}
		reg.Register("email", ad)
	}
	if len(reg.Platforms()) == 0 {
		log.Warn("no senders enabled; registering simulated platform \"sim\"")
		reg.Register("sim", sender.NewSim(sender.SimConfig{}, log.With(logx.String("platform", "sim"))))
	}
	return reg, nil
}

// validate runs every mapper; it backs the hot-reload validator.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLeaseConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPresets(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	sc := cfg.Senders
	var d config.Durations
	if sc.Sim != nil {
		d.Get("senders.sim.latency", sc.Sim.Latency, 0)
		d.Get("senders.sim.retry_after", sc.Sim.RetryAfter, 0)
	}
	if sc.Telegram != nil {
		d.Get("senders.telegram.timeout", sc.Telegram.Timeout, 0)
	}
	return d.Err()
}
