package storage

import (
	"context"
	"errors"
	"time"

	"campaignd/internal/campaign"
)

var (
	ErrClosed = errors.New("storage closed")
	ErrExists = errors.New("already exists")
)

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery compacts the file journal after that many writes (file only).
	CompactEvery int
}

// Store persists campaign state. I/O failures are reported wrapped with
// campaign.ErrStoreUnavailable; missing rows with campaign.ErrNotFound.
type Store interface {
	CreateCampaign(ctx context.Context, c campaign.Campaign, tasks []campaign.SendTask) error
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	ListCampaigns(ctx context.Context) ([]campaign.Campaign, error)
	// UpdateCampaign replaces the definition (name, accounts, pacing). State
	// is left alone; use SetCampaignState.
	UpdateCampaign(ctx context.Context, c campaign.Campaign) error
	LoadCampaignState(ctx context.Context, id string) (campaign.State, error)
	SetCampaignState(ctx context.Context, id string, st campaign.State, at time.Time) error

	// LoadTasks returns every task of the campaign ordered by Seq.
	LoadTasks(ctx context.Context, campaignID string) ([]campaign.SendTask, error)
	// LoadPendingTasks returns Pending and InFlight tasks ordered by Seq.
	LoadPendingTasks(ctx context.Context, campaignID string) ([]campaign.SendTask, error)
	UpdateTask(ctx context.Context, t campaign.SendTask) error

	// AppendOutcome is a no-op when an outcome with the same ID exists.
	AppendOutcome(ctx context.Context, o campaign.Outcome) error
	// RecordOutcome updates t and appends o atomically.
	RecordOutcome(ctx context.Context, t campaign.SendTask, o campaign.Outcome) error
	LoadOutcomes(ctx context.Context, campaignID string) ([]campaign.Outcome, error)

	PutAccount(ctx context.Context, a campaign.Account) error
	GetAccount(ctx context.Context, id string) (campaign.Account, error)
	ListAccounts(ctx context.Context) ([]campaign.Account, error)
	UpdateAccount(ctx context.Context, a campaign.Account) error

	Close() error
}
