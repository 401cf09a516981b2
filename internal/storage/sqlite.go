package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"campaignd/internal/campaign"
	logx "campaignd/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also makes ":memory:" one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return campaign.StoreUnavailable("sqlite "+op, err)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *sqliteStore) CreateCampaign(ctx context.Context, c campaign.Campaign, tasks []campaign.SendTask) error {
	if err := c.Validate(); err != nil {
		return err
	}
	prepared, err := prepareTasks(c, tasks)
	if err != nil {
		return err
	}
	if c.State == "" {
		c.State = campaign.StateDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	accounts, _ := json.Marshal(c.Accounts)
	pacing, _ := json.Marshal(c.Pacing)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO campaigns(id, name, platform, accounts, pacing, state, created_at, started_at, completed_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Name, c.Platform, string(accounts), string(pacing), string(c.State),
		nanos(c.CreatedAt), nanos(c.StartedAt), nanos(c.CompletedAt), nanos(c.UpdatedAt),
	)
	if err != nil {
		return unavailable("insert campaign", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", c.ID, ErrExists)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks(campaign_id, id, seq, recipient, payload, status, attempts, last_error, account_id, not_before, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return unavailable("prepare tasks", err)
	}
	defer stmt.Close()
	for _, t := range prepared {
		if _, err := stmt.ExecContext(ctx,
			t.CampaignID, t.ID, t.Seq, t.Recipient, t.Payload, string(t.Status), t.Attempts,
			string(t.LastError), t.AccountID, nanos(t.NotBefore), nanos(t.UpdatedAt),
		); err != nil {
			return unavailable("insert task", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

const campaignCols = `id, name, platform, accounts, pacing, state, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (campaign.Campaign, error) {
	var (
		c                                campaign.Campaign
		accounts, pacing, state          string
		created, started, completed, upd int64
	)
	if err := r.Scan(&c.ID, &c.Name, &c.Platform, &accounts, &pacing, &state, &created, &started, &completed, &upd); err != nil {
		return campaign.Campaign{}, err
	}
	if err := json.Unmarshal([]byte(accounts), &c.Accounts); err != nil {
		return campaign.Campaign{}, fmt.Errorf("campaign %s accounts: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(pacing), &c.Pacing); err != nil {
		return campaign.Campaign{}, fmt.Errorf("campaign %s pacing: %w", c.ID, err)
	}
	c.State = campaign.State(state)
	c.CreatedAt = fromNanos(created)
	c.StartedAt = fromNanos(started)
	c.CompletedAt = fromNanos(completed)
	c.UpdatedAt = fromNanos(upd)
	return c, nil
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	if err != nil {
		return campaign.Campaign{}, unavailable("get campaign", err)
	}
	return c, nil
}

func (s *sqliteStore) ListCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignCols+` FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, unavailable("list campaigns", err)
	}
	defer rows.Close()
	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, unavailable("scan campaign", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list campaigns", err)
	}
	return out, nil
}

func (s *sqliteStore) UpdateCampaign(ctx context.Context, c campaign.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	accounts, _ := json.Marshal(c.Accounts)
	pacing, _ := json.Marshal(c.Pacing)
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET name = ?, platform = ?, accounts = ?, pacing = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.Platform, string(accounts), string(pacing), nanos(c.UpdatedAt), c.ID)
	if err != nil {
		return unavailable("update campaign", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", c.ID, campaign.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) LoadCampaignState(ctx context.Context, id string) (campaign.State, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM campaigns WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	if err != nil {
		return "", unavailable("load state", err)
	}
	return campaign.State(st), nil
}

func (s *sqliteStore) SetCampaignState(ctx context.Context, id string, st campaign.State, at time.Time) error {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	applyState(&c, st, at)
	_, err = s.db.ExecContext(ctx,
		`UPDATE campaigns SET state = ?, started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(c.State), nanos(c.StartedAt), nanos(c.CompletedAt), nanos(c.UpdatedAt), id)
	if err != nil {
		return unavailable("set state", err)
	}
	return nil
}

const taskCols = `campaign_id, id, seq, recipient, payload, status, attempts, last_error, account_id, not_before, updated_at`

func scanTask(r rowScanner) (campaign.SendTask, error) {
	var (
		t                  campaign.SendTask
		status, lastErr    string
		notBefore, updated int64
	)
	if err := r.Scan(&t.CampaignID, &t.ID, &t.Seq, &t.Recipient, &t.Payload, &status, &t.Attempts, &lastErr, &t.AccountID, &notBefore, &updated); err != nil {
		return campaign.SendTask{}, err
	}
	t.Status = campaign.TaskStatus(status)
	t.LastError = campaign.ResultKind(lastErr)
	t.NotBefore = fromNanos(notBefore)
	t.UpdatedAt = fromNanos(updated)
	return t, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, campaignID, where string, args ...any) ([]campaign.SendTask, error) {
	if _, err := s.LoadCampaignState(ctx, campaignID); err != nil {
		return nil, err
	}
	q := `SELECT ` + taskCols + ` FROM tasks WHERE campaign_id = ?` + where + ` ORDER BY seq, id`
	rows, err := s.db.QueryContext(ctx, q, append([]any{campaignID}, args...)...)
	if err != nil {
		return nil, unavailable("load tasks", err)
	}
	defer rows.Close()
	var out []campaign.SendTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, unavailable("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load tasks", err)
	}
	return out, nil
}

func (s *sqliteStore) LoadTasks(ctx context.Context, campaignID string) ([]campaign.SendTask, error) {
	return s.queryTasks(ctx, campaignID, "")
}

func (s *sqliteStore) LoadPendingTasks(ctx context.Context, campaignID string) ([]campaign.SendTask, error) {
	return s.queryTasks(ctx, campaignID, ` AND status IN (?, ?)`, string(campaign.TaskPending), string(campaign.TaskInFlight))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateTask(ctx context.Context, db execer, t campaign.SendTask) error {
	res, err := db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = ?, last_error = ?, account_id = ?, not_before = ?, updated_at = ?
		 WHERE campaign_id = ? AND id = ?`,
		string(t.Status), t.Attempts, string(t.LastError), t.AccountID, nanos(t.NotBefore), nanos(t.UpdatedAt),
		t.CampaignID, t.ID)
	if err != nil {
		return unavailable("update task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, campaign.ErrNotFound)
	}
	return nil
}

func appendOutcome(ctx context.Context, db execer, o campaign.Outcome) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO outcomes(id, campaign_id, task_id, account_id, kind, attempt, at, message, retry_after_ms)
		 VALUES(?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		o.ID, o.CampaignID, o.TaskID, o.AccountID, string(o.Kind), o.Attempt, nanos(o.At), o.Message, o.RetryAfter.Milliseconds())
	if err != nil {
		return unavailable("append outcome", err)
	}
	return nil
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t campaign.SendTask) error {
	return updateTask(ctx, s.db, t)
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o campaign.Outcome) error {
	return appendOutcome(ctx, s.db, o)
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, t campaign.SendTask, o campaign.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := updateTask(ctx, tx, t); err != nil {
		return err
	}
	if err := appendOutcome(ctx, tx, o); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (s *sqliteStore) LoadOutcomes(ctx context.Context, campaignID string) ([]campaign.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, task_id, account_id, kind, attempt, at, message, retry_after_ms
		 FROM outcomes WHERE campaign_id = ? ORDER BY at, rowid`, campaignID)
	if err != nil {
		return nil, unavailable("load outcomes", err)
	}
	defer rows.Close()
	var out []campaign.Outcome
	for rows.Next() {
		var (
			o        campaign.Outcome
			kind     string
			at, raMS int64
		)
		if err := rows.Scan(&o.ID, &o.CampaignID, &o.TaskID, &o.AccountID, &kind, &o.Attempt, &at, &o.Message, &raMS); err != nil {
			return nil, unavailable("scan outcome", err)
		}
		o.Kind = campaign.ResultKind(kind)
		o.At = fromNanos(at)
		o.RetryAfter = time.Duration(raMS) * time.Millisecond
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load outcomes", err)
	}
	return out, nil
}

const accountCols = `id, platform, credentials, mode, weight, limits, state, cooldown_until, actions_today, window_log, day_start, last_action_at, next_delay_ns, updated_at`

func accountArgs(a campaign.Account) []any {
	if a.State == "" {
		a.State = campaign.AccountActive
	}
	limits, _ := json.Marshal(a.Limits)
	window := make([]int64, 0, len(a.WindowLog))
	for _, ts := range a.WindowLog {
		window = append(window, ts.UnixNano())
	}
	wl, _ := json.Marshal(window)
	return []any{
		a.ID, a.Platform, a.Credentials, a.Mode, a.Weight, string(limits), string(a.State),
		nanos(a.CooldownUntil), a.ActionsToday, string(wl), nanos(a.DayStart), nanos(a.LastActionAt),
		int64(a.NextDelay), nanos(a.UpdatedAt),
	}
}

func scanAccount(r rowScanner) (campaign.Account, error) {
	var (
		a                                       campaign.Account
		limits, state, wl                       string
		cooldown, dayStart, lastAction, updated int64
		nextDelay                               int64
	)
	if err := r.Scan(&a.ID, &a.Platform, &a.Credentials, &a.Mode, &a.Weight, &limits, &state,
		&cooldown, &a.ActionsToday, &wl, &dayStart, &lastAction, &nextDelay, &updated); err != nil {
		return campaign.Account{}, err
	}
	if err := json.Unmarshal([]byte(limits), &a.Limits); err != nil {
		return campaign.Account{}, fmt.Errorf("account %s limits: %w", a.ID, err)
	}
	var window []int64
	if err := json.Unmarshal([]byte(wl), &window); err != nil {
		return campaign.Account{}, fmt.Errorf("account %s window_log: %w", a.ID, err)
	}
	for _, n := range window {
		a.WindowLog = append(a.WindowLog, time.Unix(0, n))
	}
	a.State = campaign.AccountState(state)
	a.CooldownUntil = fromNanos(cooldown)
	a.DayStart = fromNanos(dayStart)
	a.LastActionAt = fromNanos(lastAction)
	a.NextDelay = time.Duration(nextDelay)
	a.UpdatedAt = fromNanos(updated)
	return a, nil
}

func (s *sqliteStore) PutAccount(ctx context.Context, a campaign.Account) error {
	if a.ID == "" {
		return fmt.Errorf("%w: account id is required", campaign.ErrInvalidConfig)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(`+accountCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   platform = excluded.platform, credentials = excluded.credentials, mode = excluded.mode,
		   weight = excluded.weight, limits = excluded.limits, state = excluded.state,
		   cooldown_until = excluded.cooldown_until, actions_today = excluded.actions_today,
		   window_log = excluded.window_log, day_start = excluded.day_start,
		   last_action_at = excluded.last_action_at, next_delay_ns = excluded.next_delay_ns,
		   updated_at = excluded.updated_at`,
		accountArgs(a)...)
	if err != nil {
		return unavailable("put account", err)
	}
	return nil
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (campaign.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Account{}, fmt.Errorf("account %s: %w", id, campaign.ErrNotFound)
	}
	if err != nil {
		return campaign.Account{}, unavailable("get account", err)
	}
	return a, nil
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]campaign.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, unavailable("list accounts", err)
	}
	defer rows.Close()
	var out []campaign.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, unavailable("scan account", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list accounts", err)
	}
	return out, nil
}

func (s *sqliteStore) UpdateAccount(ctx context.Context, a campaign.Account) error {
	args := accountArgs(a)
	// Move id to the WHERE clause.
	args = append(args[1:], args[0])
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET platform = ?, credentials = ?, mode = ?, weight = ?, limits = ?, state = ?,
		   cooldown_until = ?, actions_today = ?, window_log = ?, day_start = ?, last_action_at = ?,
		   next_delay_ns = ?, updated_at = ?
		 WHERE id = ?`, args...)
	if err != nil {
		return unavailable("update account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", a.ID, campaign.ErrNotFound)
	}
	return nil
}
