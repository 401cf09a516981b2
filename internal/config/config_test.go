package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./campaignd.db
  busy_timeout: 2s
dispatcher:
  poll_interval: 500ms
  stall_timeout: 10m
  max_parallel_accounts: 2
retry:
  max_attempts: 4
  base_delay: 1s
http:
  enabled: true
  addr: 127.0.0.1:8686
  token: secret
  pprof:
    enabled: true
lease:
  driver: redis
  redis_url: redis://localhost:6379/0
senders:
  sim:
    enabled: true
  telegram:
    enabled: true
presets:
  gentle:
    max_actions_per_window: 2
    window: 1h
    daily_limit: 10
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("campaignd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "2s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Dispatcher.MaxParallelAccounts != 2 || cfg.Retry.MaxAttempts != 4 {
		t.Fatalf("dispatcher/retry = %+v %+v", cfg.Dispatcher, cfg.Retry)
	}
	if !cfg.HTTP.Pprof.Enabled || cfg.HTTP.Token != "secret" {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if got := cfg.Senders.Platforms(); strings.Join(got, ",") != "sim,telegram" {
		t.Fatalf("platforms = %v", got)
	}
	if cfg.Presets["gentle"].DailyLimit != 10 {
		t.Fatalf("presets = %+v", cfg.Presets)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		data string
		ok   bool
	}{
		{"json", "c.json", `{"storage":{"driver":"memory"}}`, true},
		{"empty yaml", "c.yml", ``, true},
		{"unknown json field", "c.json", `{"storage":{"driver":"memory","color":"red"}}`, false},
		{"unknown yaml section", "c.yaml", "plugins:\n  echo: {}\n", false},
		{"trailing json", "c.json", `{"logging":{}} {"logging":{}}`, false},
		{"bad yaml", "c.yaml", "logging: [", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.data))
			if (err == nil) != tt.ok {
				t.Fatalf("Decode err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestDurations(t *testing.T) {
	t.Parallel()
	var d Durations
	if got := d.Get("a", "", time.Second); got != time.Second {
		t.Fatalf("empty = %s", got)
	}
	if got := d.Get("b", "250ms", time.Second); got != 250*time.Millisecond {
		t.Fatalf("set = %s", got)
	}
	if d.Err() != nil {
		t.Fatalf("unexpected err %v", d.Err())
	}
	d.Get("c", "soon", time.Second)
	d.Get("d", "-1s", time.Second)
	if d.Err() == nil || !strings.Contains(d.Err().Error(), "c:") {
		t.Fatalf("Err = %v, want the first failing field", d.Err())
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	same, _ := Decode("c.yaml", []byte(sampleYAML))
	if ch := SummarizeConfigChange(old, same); !ch.Empty() {
		t.Fatalf("identical configs changed: %v", ch.Sections)
	}

	next, _ := Decode("c.yaml", []byte(sampleYAML))
	next.Logging.Level = "info"
	next.Dispatcher.PollInterval = "2s"
	next.Storage.Path = "./other.db"
	next.HTTP.Token = "rotated"
	ch := SummarizeConfigChange(old, next)
	if got := strings.Join(ch.Sections, ","); got != "dispatcher,http,logging,storage" {
		t.Fatalf("sections = %s", got)
	}
	if got := strings.Join(ch.Restart, ","); got != "storage" {
		t.Fatalf("restart = %s", got)
	}
}

func TestWatchPublishesValidatedReloads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "campaignd.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	m.SetDebounce(20 * time.Millisecond)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "bogus" {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	write(`{"logging":{"level":"bogus"}}`)
	time.Sleep(150 * time.Millisecond)
	write(`{"logging":{"level":"debug"}}`)

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q, rejected config leaked", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("Get level = %q", m.Get().Logging.Level)
	}
}

func TestNotifierChangeRestart(t *testing.T) {
	t.Parallel()
	old := &Config{Notifier: NotifierConfig{Enabled: true, RatePerSec: 1, Telegram: NotifierTelegram{Token: "a", ChatID: "-100"}}}

	tuned := *old
	tuned.Notifier.RatePerSec = 5
	if ch := SummarizeConfigChange(old, &tuned); len(ch.Restart) != 0 || strings.Join(ch.Sections, ",") != "notifier" {
		t.Fatalf("tuning change = %+v", ch)
	}

	rotated := *old
	rotated.Notifier.Telegram.Token = "b"
	if ch := SummarizeConfigChange(old, &rotated); strings.Join(ch.Restart, ",") != "notifier.telegram" {
		t.Fatalf("restart = %v", ch.Restart)
	}
}
