package config

import (
	"reflect"
	"sort"
	"strings"

	logx "campaignd/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"storage": true,
	"lease":   true,
	"senders": true,
	"presets": true,
	"retry":   true,
}

// Change summarizes a reload.
type Change struct {
	// Sections lists changed top-level keys, sorted.
	Sections []string
	// Fields are safe to log; tokens and URLs with credentials are reduced to "set" flags.
	Fields []logx.Field
	// Restart lists changed sections that need a process restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	add := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
		if restartSections[section] {
			ch.Restart = append(ch.Restart, section)
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		add("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled))
	}

	if oldCfg.Storage != newCfg.Storage {
		add("storage",
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		d := newCfg.Dispatcher
		add("dispatcher",
			logx.String("dispatcher.poll_interval", d.PollInterval),
			logx.String("dispatcher.stall_timeout", d.StallTimeout),
			logx.String("dispatcher.send_timeout", d.SendTimeout),
			logx.Int("dispatcher.max_parallel_accounts", d.MaxParallelAccounts),
			logx.String("dispatcher.default_timezone", d.DefaultTimezone))
	}

	if oldCfg.Retry != newCfg.Retry {
		r := newCfg.Retry
		add("retry",
			logx.Int("retry.max_attempts", r.MaxAttempts),
			logx.String("retry.base_delay", r.BaseDelay),
			logx.String("retry.max_delay", r.MaxDelay),
			logx.String("retry.cooldown", r.Cooldown))
	}

	if oldCfg.HTTP != newCfg.HTTP {
		h := newCfg.HTTP
		add("http",
			logx.Bool("http.enabled", h.Enabled),
			logx.String("http.addr", strings.TrimSpace(h.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(h.Token) != ""),
			logx.Bool("http.allow_insecure", h.AllowInsecure),
			logx.Bool("http.pprof", h.Pprof.Enabled))
	}

	if oldCfg.Lease != newCfg.Lease {
		add("lease",
			logx.String("lease.driver", newCfg.Lease.Driver),
			logx.Bool("lease.redis_url_set", strings.TrimSpace(newCfg.Lease.RedisURL) != ""),
			logx.String("lease.ttl", newCfg.Lease.TTL))
	}

	if oldCfg.Notifier != newCfg.Notifier {
		n := newCfg.Notifier
		add("notifier",
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.String("notifier.dedup_window", n.DedupWindow),
			logx.Bool("notifier.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			logx.String("notifier.chat_id", n.Telegram.ChatID))
		if oldCfg.Notifier.Telegram != n.Telegram {
			ch.Restart = append(ch.Restart, "notifier.telegram")
		}
	}

	if !reflect.DeepEqual(oldCfg.Senders, newCfg.Senders) {
		add("senders", logx.Any("senders.platforms", newCfg.Senders.Platforms()))
	}

	if !reflect.DeepEqual(oldCfg.Presets, newCfg.Presets) {
		names := make([]string, 0, len(newCfg.Presets))
		for k := range newCfg.Presets {
			names = append(names, k)
		}
		sort.Strings(names)
		add("presets", logx.Any("presets.names", names))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}

// Platforms lists the enabled sender platforms.
func (s SendersConfig) Platforms() []string {
	out := []string{}
	if s.Email != nil && s.Email.Enabled {
		out = append(out, "email")
	}
	if s.Sim != nil && s.Sim.Enabled {
		out = append(out, "sim")
	}
	if s.Telegram != nil && s.Telegram.Enabled {
		out = append(out, "telegram")
	}
	return out
}
