// Package progress folds stored tasks and outcomes into campaign summaries.
package progress

import (
	"context"
	"errors"
	"time"

	"campaignd/internal/campaign"
)

// Summary is the operator view of one campaign.
type Summary struct {
	CampaignID string         `json:"campaign_id"`
	State      campaign.State `json:"state"`

	Total    int `json:"total"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`

	AccountsSuspended int `json:"accounts_suspended"`

	// Attempts counts outcomes by result kind.
	Attempts      map[campaign.ResultKind]int `json:"attempts"`
	LastOutcomeAt time.Time                   `json:"last_outcome_at,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Error is the reason the last run halted, if it did.
	Error string `json:"error,omitempty"`
}

// Balanced reports whether every task is accounted for by exactly one status.
func (s Summary) Balanced() bool {
	return s.Sent+s.Failed+s.Skipped+s.Pending+s.InFlight == s.Total
}

// Done reports whether no task is left to dispatch.
func (s Summary) Done() bool { return s.Pending == 0 && s.InFlight == 0 }

// Fold builds a Summary. accounts are the campaign's accounts in their current
// state; an account with an AuthInvalid outcome that is not among them still
// counts as suspended.
func Fold(c campaign.Campaign, tasks []campaign.SendTask, outcomes []campaign.Outcome, accounts []campaign.Account) Summary {
	s := Summary{
		CampaignID:  c.ID,
		State:       c.State,
		Total:       len(tasks),
		Attempts:    map[campaign.ResultKind]int{},
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
	for _, t := range tasks {
		switch t.Status {
		case campaign.TaskSent:
			s.Sent++
		case campaign.TaskFailed:
			s.Failed++
		case campaign.TaskSkipped:
			s.Skipped++
		case campaign.TaskInFlight:
			s.InFlight++
		default:
			s.Pending++
		}
	}

	known := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		known[a.ID] = true
		if a.State == campaign.AccountSuspended {
			s.AccountsSuspended++
		}
	}
	banned := map[string]struct{}{}
	for _, o := range outcomes {
		s.Attempts[o.Kind]++
		if o.At.After(s.LastOutcomeAt) {
			s.LastOutcomeAt = o.At
		}
		if o.Kind == campaign.ResultAuthInvalid && !known[o.AccountID] {
			banned[o.AccountID] = struct{}{}
		}
	}
	s.AccountsSuspended += len(banned)
	return s
}

// Source is the read side of the campaign store.
type Source interface {
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	LoadTasks(ctx context.Context, campaignID string) ([]campaign.SendTask, error)
	LoadOutcomes(ctx context.Context, campaignID string) ([]campaign.Outcome, error)
	GetAccount(ctx context.Context, id string) (campaign.Account, error)
}

// Reporter computes summaries from a Source.
type Reporter struct {
	src Source
}

func NewReporter(src Source) *Reporter { return &Reporter{src: src} }

func (r *Reporter) Summary(ctx context.Context, campaignID string) (Summary, error) {
	c, err := r.src.GetCampaign(ctx, campaignID)
	if err != nil {
		return Summary{}, err
	}
	tasks, err := r.src.LoadTasks(ctx, campaignID)
	if err != nil {
		return Summary{}, err
	}
	outcomes, err := r.src.LoadOutcomes(ctx, campaignID)
	if err != nil {
		return Summary{}, err
	}
	accounts := make([]campaign.Account, 0, len(c.Accounts))
	for _, id := range c.Accounts {
		a, err := r.src.GetAccount(ctx, id)
		if errors.Is(err, campaign.ErrNotFound) {
			continue
		}
		if err != nil {
			return Summary{}, err
		}
		accounts = append(accounts, a)
	}
	return Fold(c, tasks, outcomes, accounts), nil
}
