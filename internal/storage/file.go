package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"campaignd/internal/campaign"
	logx "campaignd/pkg/logx"
)

// fileStore keeps state in a Memory store and makes it durable.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only journal of writes since the snapshot)
//
// The journal is periodically compacted into the snapshot. A torn last line
// is ignored on replay.
type fileStore struct {
	*Memory
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

const (
	opCreate   = "create"
	opCampaign = "campaign"
	opState    = "state"
	opTask     = "task"
	opOutcome  = "outcome"
	opRecord   = "record"
	opAccount  = "account"
)

type journalRecord struct {
	Op       string              `json:"op"`
	Campaign *campaign.Campaign  `json:"campaign,omitempty"`
	Tasks    []campaign.SendTask `json:"tasks,omitempty"`
	Task     *campaign.SendTask  `json:"task,omitempty"`
	Outcome  *campaign.Outcome   `json:"outcome,omitempty"`
	Account  *campaign.Account   `json:"account,omitempty"`
	ID       string              `json:"id,omitempty"`
	State    campaign.State      `json:"state,omitempty"`
	At       time.Time           `json:"at,omitempty"`
}

type snapshot struct {
	Campaigns []campaign.Campaign `json:"campaigns"`
	Tasks     []campaign.SendTask `json:"tasks"`
	Outcomes  []campaign.Outcome  `json:"outcomes"`
	Accounts  []campaign.Account  `json:"accounts"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, mem, log); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	return &fileStore{
		Memory:       mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Memory.Close()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return campaign.StoreUnavailable("journal", ErrClosed)
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return campaign.StoreUnavailable("journal", err)
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) CreateCampaign(ctx context.Context, c campaign.Campaign, tasks []campaign.SendTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Memory.CreateCampaign(ctx, c, tasks); err != nil {
		return err
	}
	stored, _ := s.Memory.GetCampaign(ctx, c.ID)
	ts, _ := s.Memory.LoadTasks(ctx, c.ID)
	return s.appendLocked(journalRecord{Op: opCreate, Campaign: &stored, Tasks: ts})
}

func (s *fileStore) UpdateCampaign(ctx context.Context, c campaign.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Memory.UpdateCampaign(ctx, c); err != nil {
		return err
	}
	stored, _ := s.Memory.GetCampaign(ctx, c.ID)
	return s.appendLocked(journalRecord{Op: opCampaign, Campaign: &stored})
}

func (s *fileStore) SetCampaignState(ctx context.Context, id string, st campaign.State, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Memory.SetCampaignState(ctx, id, st, at); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opState, ID: id, State: st, At: at})
}

func (s *fileStore) UpdateTask(ctx context.Context, t campaign.SendTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Memory.UpdateTask(ctx, t); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opTask, Task: &t})
}

func (s *fileStore) AppendOutcome(ctx context.Context, o campaign.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Memory.AppendOutcome(ctx, o); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opOutcome, Outcome: &o})
}

func (s *fileStore) RecordOutcome(ctx context.Context, t campaign.SendTask, o campaign.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Memory.RecordOutcome(ctx, t, o); err != nil {
		return err
	}
	// One line carries both so replay never sees half of it.
	return s.appendLocked(journalRecord{Op: opRecord, Task: &t, Outcome: &o})
}

func (s *fileStore) PutAccount(ctx context.Context, a campaign.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Memory.PutAccount(ctx, a); err != nil {
		return err
	}
	stored, _ := s.Memory.GetAccount(ctx, a.ID)
	return s.appendLocked(journalRecord{Op: opAccount, Account: &stored})
}

func (s *fileStore) UpdateAccount(ctx context.Context, a campaign.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Memory.UpdateAccount(ctx, a); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opAccount, Account: &a})
}

func (s *fileStore) compactLocked() error {
	snap := s.Memory.snapshot()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (m *Memory) snapshot() snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var snap snapshot
	for _, c := range m.campaigns {
		snap.Campaigns = append(snap.Campaigns, c)
		for _, t := range m.tasks[c.ID] {
			snap.Tasks = append(snap.Tasks, t)
		}
		snap.Outcomes = append(snap.Outcomes, m.outcomes[c.ID]...)
	}
	for _, a := range m.accounts {
		snap.Accounts = append(snap.Accounts, a)
	}
	return snap
}

func loadSnapshot(path string, m *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range snap.Campaigns {
		m.createLocked(c, nil)
	}
	for _, t := range snap.Tasks {
		if byID, ok := m.tasks[t.CampaignID]; ok {
			byID[t.ID] = t
		}
	}
	for _, o := range snap.Outcomes {
		m.appendOutcomeLocked(o)
	}
	for _, a := range snap.Accounts {
		m.putAccountLocked(a)
	}
	return nil
}

func replayJournal(path string, m *Memory, log logx.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			log.Warn("skipping unreadable journal line", logx.Int("line", n+1), logx.Err(err))
			n++
			continue
		}
		n++
		switch r.Op {
		case opCreate:
			if r.Campaign != nil {
				m.createLocked(*r.Campaign, r.Tasks)
			}
		case opCampaign:
			if r.Campaign != nil {
				_ = m.updateCampaignLocked(*r.Campaign)
			}
		case opState:
			_ = m.setStateLocked(r.ID, r.State, r.At)
		case opTask:
			if r.Task != nil {
				_ = m.updateTaskLocked(*r.Task)
			}
		case opOutcome:
			if r.Outcome != nil {
				m.appendOutcomeLocked(*r.Outcome)
			}
		case opRecord:
			if r.Task != nil {
				_ = m.updateTaskLocked(*r.Task)
			}
			if r.Outcome != nil {
				m.appendOutcomeLocked(*r.Outcome)
			}
		case opAccount:
			if r.Account != nil {
				m.putAccountLocked(*r.Account)
			}
		}
	}
	return sc.Err()
}
