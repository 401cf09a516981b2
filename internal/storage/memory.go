package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"campaignd/internal/campaign"
)

// Memory is the in-process reference Store.
type Memory struct {
	mu        sync.RWMutex
	closed    bool
	campaigns map[string]campaign.Campaign
	tasks     map[string]map[string]campaign.SendTask // campaign -> task id -> task
	outcomes  map[string][]campaign.Outcome
	seen      map[string]struct{} // outcome ids
	accounts  map[string]campaign.Account
}

func NewMemory() *Memory {
	return &Memory{
		campaigns: map[string]campaign.Campaign{},
		tasks:     map[string]map[string]campaign.SendTask{},
		outcomes:  map[string][]campaign.Outcome{},
		seen:      map[string]struct{}{},
		accounts:  map[string]campaign.Account{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) check() error {
	if m.closed {
		return campaign.StoreUnavailable("memory", ErrClosed)
	}
	return nil
}

// prepareTasks fills defaults on tasks of a new campaign.
func prepareTasks(c campaign.Campaign, tasks []campaign.SendTask) ([]campaign.SendTask, error) {
	out := make([]campaign.SendTask, 0, len(tasks))
	ids := make(map[string]struct{}, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: campaign %s: task %d has no id", campaign.ErrInvalidConfig, c.ID, i)
		}
		if _, dup := ids[t.ID]; dup {
			return nil, fmt.Errorf("%w: campaign %s: duplicate task id %s", campaign.ErrInvalidConfig, c.ID, t.ID)
		}
		ids[t.ID] = struct{}{}
		t.CampaignID = c.ID
		if t.Seq == 0 {
			t.Seq = i + 1
		}
		if t.Status == "" {
			t.Status = campaign.TaskPending
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) CreateCampaign(_ context.Context, c campaign.Campaign, tasks []campaign.SendTask) error {
	if err := c.Validate(); err != nil {
		return err
	}
	prepared, err := prepareTasks(c, tasks)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.exists(c.ID) {
		return fmt.Errorf("campaign %s: %w", c.ID, ErrExists)
	}
	m.createLocked(c, prepared)
	return nil
}

func (m *Memory) createLocked(c campaign.Campaign, tasks []campaign.SendTask) {
	if c.State == "" {
		c.State = campaign.StateDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.Accounts = append([]string(nil), c.Accounts...)
	m.campaigns[c.ID] = c
	byID := make(map[string]campaign.SendTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	m.tasks[c.ID] = byID
}

func (m *Memory) exists(id string) bool {
	_, ok := m.campaigns[id]
	return ok
}

func (m *Memory) GetCampaign(_ context.Context, id string) (campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return campaign.Campaign{}, err
	}
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.Campaign{}, fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	c.Accounts = append([]string(nil), c.Accounts...)
	return c, nil
}

func (m *Memory) ListCampaigns(_ context.Context) ([]campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]campaign.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		c.Accounts = append([]string(nil), c.Accounts...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateCampaign(_ context.Context, c campaign.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	return m.updateCampaignLocked(c)
}

func (m *Memory) updateCampaignLocked(c campaign.Campaign) error {
	cur, ok := m.campaigns[c.ID]
	if !ok {
		return fmt.Errorf("campaign %s: %w", c.ID, campaign.ErrNotFound)
	}
	cur.Name = c.Name
	cur.Platform = c.Platform
	cur.Accounts = append([]string(nil), c.Accounts...)
	cur.Pacing = c.Pacing
	cur.UpdatedAt = c.UpdatedAt
	m.campaigns[c.ID] = cur
	return nil
}

func (m *Memory) LoadCampaignState(_ context.Context, id string) (campaign.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return "", err
	}
	c, ok := m.campaigns[id]
	if !ok {
		return "", fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	return c.State, nil
}

func (m *Memory) SetCampaignState(_ context.Context, id string, st campaign.State, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	return m.setStateLocked(id, st, at)
}

func (m *Memory) setStateLocked(id string, st campaign.State, at time.Time) error {
	c, ok := m.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	applyState(&c, st, at)
	m.campaigns[id] = c
	return nil
}

// applyState sets st and the lifecycle timestamps it implies.
func applyState(c *campaign.Campaign, st campaign.State, at time.Time) {
	c.State = st
	c.UpdatedAt = at
	if st == campaign.StateRunning && c.StartedAt.IsZero() {
		c.StartedAt = at
	}
	if st.Terminal() {
		c.CompletedAt = at
	}
}

func (m *Memory) LoadTasks(_ context.Context, campaignID string) ([]campaign.SendTask, error) {
	return m.loadTasks(campaignID, func(campaign.SendTask) bool { return true })
}

func (m *Memory) LoadPendingTasks(_ context.Context, campaignID string) ([]campaign.SendTask, error) {
	return m.loadTasks(campaignID, func(t campaign.SendTask) bool {
		return t.Status == campaign.TaskPending || t.Status == campaign.TaskInFlight
	})
}

func (m *Memory) loadTasks(campaignID string, keep func(campaign.SendTask) bool) ([]campaign.SendTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	if !m.exists(campaignID) {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, campaign.ErrNotFound)
	}
	out := make([]campaign.SendTask, 0, len(m.tasks[campaignID]))
	for _, t := range m.tasks[campaignID] {
		if keep(t) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

func sortTasks(ts []campaign.SendTask) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Seq != ts[j].Seq {
			return ts[i].Seq < ts[j].Seq
		}
		return ts[i].ID < ts[j].ID
	})
}

func (m *Memory) UpdateTask(_ context.Context, t campaign.SendTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	return m.updateTaskLocked(t)
}

func (m *Memory) updateTaskLocked(t campaign.SendTask) error {
	byID, ok := m.tasks[t.CampaignID]
	if !ok {
		return fmt.Errorf("campaign %s: %w", t.CampaignID, campaign.ErrNotFound)
	}
	if _, ok := byID[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, campaign.ErrNotFound)
	}
	byID[t.ID] = t
	return nil
}

func (m *Memory) AppendOutcome(_ context.Context, o campaign.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.appendOutcomeLocked(o)
	return nil
}

func (m *Memory) appendOutcomeLocked(o campaign.Outcome) bool {
	if _, dup := m.seen[o.ID]; dup {
		return false
	}
	m.seen[o.ID] = struct{}{}
	m.outcomes[o.CampaignID] = append(m.outcomes[o.CampaignID], o)
	return true
}

func (m *Memory) RecordOutcome(_ context.Context, t campaign.SendTask, o campaign.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if err := m.updateTaskLocked(t); err != nil {
		return err
	}
	m.appendOutcomeLocked(o)
	return nil
}

func (m *Memory) LoadOutcomes(_ context.Context, campaignID string) ([]campaign.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return append([]campaign.Outcome(nil), m.outcomes[campaignID]...), nil
}

func (m *Memory) PutAccount(_ context.Context, a campaign.Account) error {
	if a.ID == "" {
		return fmt.Errorf("%w: account id is required", campaign.ErrInvalidConfig)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.putAccountLocked(a)
	return nil
}

func (m *Memory) putAccountLocked(a campaign.Account) {
	if a.State == "" {
		a.State = campaign.AccountActive
	}
	m.accounts[a.ID] = a.Clone()
}

func (m *Memory) GetAccount(_ context.Context, id string) (campaign.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return campaign.Account{}, err
	}
	a, ok := m.accounts[id]
	if !ok {
		return campaign.Account{}, fmt.Errorf("account %s: %w", id, campaign.ErrNotFound)
	}
	return a.Clone(), nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]campaign.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]campaign.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateAccount(_ context.Context, a campaign.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.accounts[a.ID]; !ok {
		return fmt.Errorf("account %s: %w", a.ID, campaign.ErrNotFound)
	}
	m.accounts[a.ID] = a.Clone()
	return nil
}
