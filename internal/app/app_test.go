package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"campaignd/internal/campaign"
	"campaignd/internal/config"
	logx "campaignd/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     config.StorageConfig
		driver string
		ok     bool
	}{
		{"default memory", config.StorageConfig{}, "memory", true},
		{"file default path", config.StorageConfig{Driver: "file"}, "file", true},
		{"sqlite", config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, "sqlite", true},
		{"sqlite without path", config.StorageConfig{Driver: "sqlite"}, "", false},
		{"sqlite bad timeout", config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, "", false},
		{"unknown", config.StorageConfig{Driver: "mongo"}, "", false},
		{"negative compact", config.StorageConfig{Driver: "file", CompactEvery: -1}, "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if tt.ok && sc.Driver != tt.driver {
				t.Fatalf("driver = %q, want %q", sc.Driver, tt.driver)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(*config.Config)
	}{
		{"bad timezone", func(c *config.Config) { c.Dispatcher.DefaultTimezone = "Mars/Olympus" }},
		{"bad poll interval", func(c *config.Config) { c.Dispatcher.PollInterval = "fast" }},
		{"jitter above one", func(c *config.Config) { c.Retry.Jitter = 1.5 }},
		{"negative burst", func(c *config.Config) { c.HTTP.Burst = -1 }},
		{"redis without url", func(c *config.Config) { c.Lease.Driver = "redis" }},
		{"unknown lease", func(c *config.Config) { c.Lease.Driver = "etcd" }},
		{"preset without window", func(c *config.Config) {
			c.Presets = map[string]config.PresetConfig{"burst": {MaxActionsPerWindow: 3}}
		}},
		{"bad sim latency", func(c *config.Config) {
			c.Senders.Sim = &config.SimSenderConfig{Enabled: true, Latency: "-1s"}
		}},
	}
	if err := validate(&config.Config{}); err != nil {
		t.Fatalf("zero config rejected: %v", err)
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			tt.mut(cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("validate accepted %s", tt.name)
			}
		})
	}
}

func TestMapPresetsAndDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Presets: map[string]config.PresetConfig{
		" Gentle ": {MaxActionsPerWindow: 2, Window: "1h", DailyLimit: 10},
	}}
	ps, err := mapPresets(cfg)
	if err != nil {
		t.Fatalf("mapPresets: %v", err)
	}
	got, ok := ps["gentle"]
	if !ok || got.Window != time.Hour || got.DailyLimit != 10 {
		t.Fatalf("presets = %+v", ps)
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if dc.PollInterval != time.Second || dc.StallTimeout != 5*time.Minute {
		t.Fatalf("dispatch defaults = %+v", dc)
	}
	if !resumeOnStart(cfg) {
		t.Fatalf("resume_on_start should default to true")
	}
	off := false
	cfg.Dispatcher.ResumeOnStart = &off
	if resumeOnStart(cfg) {
		t.Fatalf("resume_on_start=false ignored")
	}
}

func TestBuildSendersFallsBackToSim(t *testing.T) {
	t.Parallel()
	reg, err := buildSenders(context.Background(), &config.Config{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(reg.Platforms(), ","); got != "sim" {
		t.Fatalf("platforms = %s", got)
	}
}

const testSeed = `
accounts:
  - id: a1
    platform: sim
    credentials: ok
  - id: a2
    platform: sim
    credentials: ok
campaigns:
  - id: spring
    name: Spring
    platform: sim
    accounts: [a1, a2]
    queued: true
    pacing: {min_interval: 1ms, max_interval: 2ms, rotation: round_robin}
    payload: hello
    recipients: ["r1", "r2", "r3", "r4", "invalid:r5"]
`

func TestAppRunsImportedCampaign(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "campaignd.json")
	seedPath := filepath.Join(dir, "seed.yaml")
	cfg := `{
  "logging": {"level": "error", "console": false},
  "storage": {"driver": "memory"},
  "dispatcher": {"poll_interval": "10ms", "stall_timeout": "2s"},
  "retry": {"max_attempts": 2, "base_delay": "1ms", "max_delay": "2ms"},
  "http": {"enabled": true, "addr": "127.0.0.1:0", "token": "secret"},
  "senders": {"sim": {"enabled": true}}
}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(seedPath, []byte(testSeed), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := a.Import(ctx, seedPath)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Accounts != 2 || res.Campaigns != 1 || res.Tasks != 5 {
		t.Fatalf("import = %+v", res)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	if err := a.Dispatcher().Start(ctx, "spring"); err != nil {
		t.Fatalf("dispatch start: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	st, err := a.Dispatcher().Wait(waitCtx, "spring")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st != campaign.StateCompleted {
		t.Fatalf("state = %s, want completed", st)
	}
	sum, err := a.Dispatcher().Summary(ctx, "spring")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 4 || sum.Skipped != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	var addr string
	deadline := time.Now().Add(3 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = a.HTTPAddr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("http api never bound")
	}
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/campaigns/spring/summary", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET summary: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
