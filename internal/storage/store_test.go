package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"campaignd/internal/campaign"
	logx "campaignd/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}
	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "campaignd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = sq
	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func seedCampaign(t *testing.T, st Store) {
	t.Helper()
	c := campaign.Campaign{
		ID:       "c1",
		Name:     "spring",
		Platform: "sim",
		Accounts: []string{"a1", "a2"},
		Pacing:   campaign.PacingConfig{MinInterval: time.Second, MaxInterval: 2 * time.Second, Rotation: campaign.RotateLeastUsed},
	}
	tasks := []campaign.SendTask{
		{ID: "t3", Seq: 3, Recipient: "r3"},
		{ID: "t1", Seq: 1, Recipient: "r1"},
		{ID: "t2", Seq: 2, Recipient: "r2"},
	}
	if err := st.CreateCampaign(context.Background(), c, tasks); err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
}

func TestStoreCampaigns(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedCampaign(t, st)

			c, err := st.GetCampaign(ctx, "c1")
			if err != nil {
				t.Fatalf("GetCampaign error: %v", err)
			}
			if c.State != campaign.StateDraft || c.Pacing.Rotation != campaign.RotateLeastUsed || len(c.Accounts) != 2 {
				t.Fatalf("unexpected campaign: %+v", c)
			}
			if c.Pacing.MaxInterval != 2*time.Second {
				t.Fatalf("pacing did not round-trip: %+v", c.Pacing)
			}
			if err := st.CreateCampaign(ctx, c, nil); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate create err = %v, want ErrExists", err)
			}
			if _, err := st.GetCampaign(ctx, "nope"); !errors.Is(err, campaign.ErrNotFound) {
				t.Fatalf("missing campaign err = %v", err)
			}

			now := time.Now()
			if err := st.SetCampaignState(ctx, "c1", campaign.StateRunning, now); err != nil {
				t.Fatalf("SetCampaignState error: %v", err)
			}
			if err := st.SetCampaignState(ctx, "c1", campaign.StateCompleted, now.Add(time.Minute)); err != nil {
				t.Fatalf("SetCampaignState error: %v", err)
			}
			c, _ = st.GetCampaign(ctx, "c1")
			if c.State != campaign.StateCompleted || !c.StartedAt.Equal(now) || !c.CompletedAt.Equal(now.Add(time.Minute)) {
				t.Fatalf("state timestamps wrong: %+v", c)
			}
			if s, _ := st.LoadCampaignState(ctx, "c1"); s != campaign.StateCompleted {
				t.Fatalf("LoadCampaignState = %s", s)
			}

			c.Pacing.DailyLimit = 9
			c.State = campaign.StateDraft
			if err := st.UpdateCampaign(ctx, c); err != nil {
				t.Fatalf("UpdateCampaign error: %v", err)
			}
			c, _ = st.GetCampaign(ctx, "c1")
			if c.Pacing.DailyLimit != 9 || c.State != campaign.StateCompleted {
				t.Fatalf("UpdateCampaign must change pacing but not state: %+v", c)
			}
			list, err := st.ListCampaigns(ctx)
			if err != nil || len(list) != 1 {
				t.Fatalf("ListCampaigns = %v, %v", list, err)
			}
		})
	}
}

func TestStoreTasksAndOutcomes(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedCampaign(t, st)

			pending, err := st.LoadPendingTasks(ctx, "c1")
			if err != nil {
				t.Fatalf("LoadPendingTasks error: %v", err)
			}
			if len(pending) != 3 || pending[0].ID != "t1" || pending[2].ID != "t3" {
				t.Fatalf("pending order = %+v", pending)
			}

			t1 := pending[0]
			t1.Status = campaign.TaskInFlight
			t1.AccountID = "a1"
			if err := st.UpdateTask(ctx, t1); err != nil {
				t.Fatalf("UpdateTask error: %v", err)
			}
			t1.Status = campaign.TaskSent
			t1.Attempts = 1
			o := campaign.Outcome{ID: "o1", CampaignID: "c1", TaskID: "t1", AccountID: "a1", Kind: campaign.ResultSuccess, Attempt: 1, At: time.Now(), RetryAfter: 3 * time.Second}
			for i := 0; i < 2; i++ {
				if err := st.RecordOutcome(ctx, t1, o); err != nil {
					t.Fatalf("RecordOutcome error: %v", err)
				}
			}
			if err := st.AppendOutcome(ctx, o); err != nil {
				t.Fatalf("AppendOutcome error: %v", err)
			}
			outs, err := st.LoadOutcomes(ctx, "c1")
			if err != nil || len(outs) != 1 {
				t.Fatalf("LoadOutcomes = %d, %v; want exactly one outcome", len(outs), err)
			}
			if outs[0].RetryAfter != 3*time.Second || outs[0].Kind != campaign.ResultSuccess {
				t.Fatalf("outcome did not round-trip: %+v", outs[0])
			}

			pending, _ = st.LoadPendingTasks(ctx, "c1")
			if len(pending) != 2 {
				t.Fatalf("pending after send = %d, want 2", len(pending))
			}
			all, _ := st.LoadTasks(ctx, "c1")
			if len(all) != 3 || all[0].Status != campaign.TaskSent || all[0].AccountID != "a1" {
				t.Fatalf("LoadTasks = %+v", all)
			}

			missing := campaign.SendTask{ID: "zz", CampaignID: "c1", Status: campaign.TaskSent}
			if err := st.UpdateTask(ctx, missing); !errors.Is(err, campaign.ErrNotFound) {
				t.Fatalf("UpdateTask(missing) err = %v", err)
			}
		})
	}
}

func TestStoreAccounts(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			a := campaign.Account{
				ID:       "a1",
				Platform: "sim",
				Mode:     "5_per_day",
				Weight:   2,
				Limits:   campaign.Limits{MaxActionsPerWindow: 3, Window: time.Hour},
			}
			if err := st.PutAccount(ctx, a); err != nil {
				t.Fatalf("PutAccount error: %v", err)
			}
			a.ActionsToday = 2
			a.WindowLog = []time.Time{now.Add(-time.Minute), now}
			a.LastActionAt = now
			a.NextDelay = 1500 * time.Millisecond
			a.State = campaign.AccountCooldown
			a.CooldownUntil = now.Add(time.Hour)
			if err := st.UpdateAccount(ctx, a); err != nil {
				t.Fatalf("UpdateAccount error: %v", err)
			}
			got, err := st.GetAccount(ctx, "a1")
			if err != nil {
				t.Fatalf("GetAccount error: %v", err)
			}
			if got.ActionsToday != 2 || len(got.WindowLog) != 2 || !got.WindowLog[1].Equal(now) {
				t.Fatalf("counters did not round-trip: %+v", got)
			}
			if got.State != campaign.AccountCooldown || !got.CooldownUntil.Equal(now.Add(time.Hour)) || got.NextDelay != 1500*time.Millisecond {
				t.Fatalf("state did not round-trip: %+v", got)
			}
			if got.Limits.Window != time.Hour || got.Mode != "5_per_day" || got.Weight != 2 {
				t.Fatalf("definition did not round-trip: %+v", got)
			}
			if err := st.UpdateAccount(ctx, campaign.Account{ID: "ghost"}); !errors.Is(err, campaign.ErrNotFound) {
				t.Fatalf("UpdateAccount(ghost) err = %v", err)
			}
			list, _ := st.ListAccounts(ctx)
			if len(list) != 1 {
				t.Fatalf("ListAccounts = %v", list)
			}
		})
	}
}

func TestClosedMemoryStoreIsUnavailable(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	if _, err := st.LoadPendingTasks(context.Background(), "c1"); !errors.Is(err, campaign.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestFileStoreSurvivesReopenAndCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 3}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	seedCampaign(t, st)
	_ = st.PutAccount(ctx, campaign.Account{ID: "a1"})
	tasks, _ := st.LoadPendingTasks(ctx, "c1")
	for i, tk := range tasks {
		tk.Status = campaign.TaskSent
		o := campaign.Outcome{ID: tk.ID + "-o", CampaignID: "c1", TaskID: tk.ID, Kind: campaign.ResultSuccess, Attempt: 1, At: time.Now().Add(time.Duration(i) * time.Millisecond)}
		if err := st.RecordOutcome(ctx, tk, o); err != nil {
			t.Fatalf("RecordOutcome error: %v", err)
		}
	}
	_ = st.SetCampaignState(ctx, "c1", campaign.StateCompleted, time.Now())
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st.Close()
	if s, _ := st.LoadCampaignState(ctx, "c1"); s != campaign.StateCompleted {
		t.Fatalf("state after reopen = %s", s)
	}
	if pending, _ := st.LoadPendingTasks(ctx, "c1"); len(pending) != 0 {
		t.Fatalf("pending after reopen = %d", len(pending))
	}
	if outs, _ := st.LoadOutcomes(ctx, "c1"); len(outs) != 3 {
		t.Fatalf("outcomes after reopen = %d", len(outs))
	}
	if _, err := st.GetAccount(ctx, "a1"); err != nil {
		t.Fatalf("account after reopen: %v", err)
	}
}

func TestImport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	doc := `
accounts:
  - id: tg-1
    platform: telegram
    credentials: "123:abc"
    mode: 5_per_day
  - id: tg-2
    platform: telegram
    limits: {max_actions_per_window: 2, window: 1h}
campaigns:
  - id: spring
    platform: telegram
    accounts: [tg-1, tg-2]
    queued: true
    pacing: {min_interval: 30s, max_interval: 90s, rotation: Round_Robin, batch_size: 10, batch_pause: 5m}
    payload: "sale"
    recipients: ["1001", "1002"]
    tasks:
      - {id: vip, recipient: "1003", payload: "vip sale"}
`
	res, err := Import(ctx, st, strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Import error: %v", err)
	}
	if res.Accounts != 2 || res.Campaigns != 1 || res.Tasks != 3 {
		t.Fatalf("ImportResult = %+v", res)
	}
	c, _ := st.GetCampaign(ctx, "spring")
	if c.State != campaign.StateQueued || c.Pacing.MaxInterval != 90*time.Second || c.Pacing.Rotation != campaign.RotateRoundRobin {
		t.Fatalf("campaign = %+v", c)
	}
	tasks, _ := st.LoadTasks(ctx, "spring")
	if len(tasks) != 3 || tasks[0].Payload != "sale" || tasks[2].ID != "vip" || tasks[2].Payload != "vip sale" {
		t.Fatalf("tasks = %+v", tasks)
	}
	a, _ := st.GetAccount(ctx, "tg-2")
	if a.Limits.Window != time.Hour {
		t.Fatalf("account limits = %+v", a.Limits)
	}

	// Re-import keeps counters and skips the existing campaign.
	a, _ = st.GetAccount(ctx, "tg-1")
	a.ActionsToday = 4
	_ = st.UpdateAccount(ctx, a)
	res, err = Import(ctx, st, strings.NewReader(doc))
	if err != nil {
		t.Fatalf("re-Import error: %v", err)
	}
	if len(res.SkippedCampaigns) != 1 || res.Campaigns != 0 {
		t.Fatalf("re-import result = %+v", res)
	}
	if a, _ := st.GetAccount(ctx, "tg-1"); a.ActionsToday != 4 {
		t.Fatalf("re-import reset counters: %+v", a)
	}

	if _, err := Import(ctx, st, strings.NewReader("bogus: 1\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
}
