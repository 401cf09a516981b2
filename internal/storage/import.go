package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v3"

	"campaignd/internal/campaign"
)

// Seed is the YAML import document.
//
//	accounts:
//	  - id: tg-1
//	    platform: telegram
//	    credentials: "123:abc"
//	    mode: 5_per_day
//	campaigns:
//	  - id: spring
//	    platform: telegram
//	    accounts: [tg-1]
//	    pacing: {min_interval: 30s, max_interval: 90s, rotation: round_robin}
//	    payload: "Spring sale starts today"
//	    recipients: ["1001", "1002"]
type Seed struct {
	Accounts  []SeedAccount  `yaml:"accounts"`
	Campaigns []SeedCampaign `yaml:"campaigns"`
}

type SeedAccount struct {
	ID          string     `yaml:"id"`
	Platform    string     `yaml:"platform"`
	Credentials string     `yaml:"credentials"`
	Mode        string     `yaml:"mode"`
	Weight      float64    `yaml:"weight"`
	Limits      SeedLimits `yaml:"limits"`
}

type SeedLimits struct {
	MaxActionsPerWindow int    `yaml:"max_actions_per_window"`
	Window              string `yaml:"window"`
	DailyLimit          int    `yaml:"daily_limit"`
}

// SeedPacing is the text form of campaign.PacingConfig, with Go duration
// strings. The HTTP API accepts the same shape.
type SeedPacing struct {
	MinInterval         string `yaml:"min_interval" json:"min_interval,omitempty"`
	MaxInterval         string `yaml:"max_interval" json:"max_interval,omitempty"`
	BatchSize           int    `yaml:"batch_size" json:"batch_size,omitempty"`
	BatchPause          string `yaml:"batch_pause" json:"batch_pause,omitempty"`
	DailyLimit          int    `yaml:"daily_limit" json:"daily_limit,omitempty"`
	Rotation            string `yaml:"rotation" json:"rotation,omitempty"`
	Timezone            string `yaml:"timezone" json:"timezone,omitempty"`
	DayBoundary         string `yaml:"day_boundary" json:"day_boundary,omitempty"`
	MaxParallelAccounts int    `yaml:"max_parallel_accounts" json:"max_parallel_accounts,omitempty"`
	StallTimeout        string `yaml:"stall_timeout" json:"stall_timeout,omitempty"`
}

type SeedTask struct {
	ID        string `yaml:"id"`
	Recipient string `yaml:"recipient"`
	Payload   string `yaml:"payload"`
}

type SeedCampaign struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	Platform   string     `yaml:"platform"`
	Accounts   []string   `yaml:"accounts"`
	Pacing     SeedPacing `yaml:"pacing"`
	Queued     bool       `yaml:"queued"`
	Payload    string     `yaml:"payload"`
	Recipients []string   `yaml:"recipients"`
	Tasks      []SeedTask `yaml:"tasks"`
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Accounts         int
	Campaigns        int
	Tasks            int
	SkippedCampaigns []string
}

// ImportFile loads a YAML seed file into st.
func ImportFile(ctx context.Context, st Store, path string) (ImportResult, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, err
	}
	return Import(ctx, st, bytes.NewReader(b))
}

// Import loads a YAML seed. Existing accounts keep their live counters;
// campaigns that already exist are skipped.
func Import(ctx context.Context, st Store, r io.Reader) (ImportResult, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return ImportResult{}, fmt.Errorf("decode seed: %w", err)
	}

	var res ImportResult
	for i, sa := range seed.Accounts {
		a, err := sa.account()
		if err != nil {
			return res, fmt.Errorf("accounts[%d]: %w", i, err)
		}
		if cur, err := st.GetAccount(ctx, a.ID); err == nil {
			cur.Platform, cur.Credentials, cur.Mode, cur.Weight, cur.Limits = a.Platform, a.Credentials, a.Mode, a.Weight, a.Limits
			a = cur
		} else if !errors.Is(err, campaign.ErrNotFound) {
			return res, err
		}
		if err := st.PutAccount(ctx, a); err != nil {
			return res, err
		}
		res.Accounts++
	}

	for i, sc := range seed.Campaigns {
		c, tasks, err := sc.campaign()
		if err != nil {
			return res, fmt.Errorf("campaigns[%d]: %w", i, err)
		}
		err = st.CreateCampaign(ctx, c, tasks)
		if errors.Is(err, ErrExists) {
			res.SkippedCampaigns = append(res.SkippedCampaigns, c.ID)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("campaign %s: %w", c.ID, err)
		}
		res.Campaigns++
		res.Tasks += len(tasks)
	}
	return res, nil
}

func parseDur(field, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, v, err)
	}
	return d, nil
}

func (sa SeedAccount) account() (campaign.Account, error) {
	if strings.TrimSpace(sa.ID) == "" {
		return campaign.Account{}, errors.New("id is required")
	}
	win, err := parseDur("limits.window", sa.Limits.Window)
	if err != nil {
		return campaign.Account{}, err
	}
	return campaign.Account{
		ID:          sa.ID,
		Platform:    sa.Platform,
		Credentials: sa.Credentials,
		Mode:        sa.Mode,
		Weight:      sa.Weight,
		Limits: campaign.Limits{
			MaxActionsPerWindow: sa.Limits.MaxActionsPerWindow,
			Window:              win,
			DailyLimit:          sa.Limits.DailyLimit,
		},
		State: campaign.AccountActive,
	}, nil
}

// Pacing parses the durations and validates nothing else.
func (sp SeedPacing) Pacing() (campaign.PacingConfig, error) {
	var (
		p   campaign.PacingConfig
		err error
	)
	if p.MinInterval, err = parseDur("pacing.min_interval", sp.MinInterval); err != nil {
		return p, err
	}
	if p.MaxInterval, err = parseDur("pacing.max_interval", sp.MaxInterval); err != nil {
		return p, err
	}
	if p.BatchPause, err = parseDur("pacing.batch_pause", sp.BatchPause); err != nil {
		return p, err
	}
	if p.StallTimeout, err = parseDur("pacing.stall_timeout", sp.StallTimeout); err != nil {
		return p, err
	}
	p.BatchSize = sp.BatchSize
	p.DailyLimit = sp.DailyLimit
	p.Rotation = campaign.RotationStrategy(strings.ToLower(strings.TrimSpace(sp.Rotation)))
	p.Timezone = sp.Timezone
	p.DayBoundary = sp.DayBoundary
	p.MaxParallelAccounts = sp.MaxParallelAccounts
	return p, nil
}

func (sc SeedCampaign) campaign() (campaign.Campaign, []campaign.SendTask, error) {
	pacing, err := sc.Pacing.Pacing()
	if err != nil {
		return campaign.Campaign{}, nil, err
	}
	c := campaign.Campaign{
		ID:        sc.ID,
		Name:      sc.Name,
		Platform:  sc.Platform,
		Accounts:  sc.Accounts,
		Pacing:    pacing,
		State:     campaign.StateDraft,
		CreatedAt: time.Now(),
	}
	if sc.Queued {
		c.State = campaign.StateQueued
	}
	if err := c.Validate(); err != nil {
		return campaign.Campaign{}, nil, err
	}

	tasks := make([]campaign.SendTask, 0, len(sc.Recipients)+len(sc.Tasks))
	add := func(id, to, payload string) {
		if id == "" {
			id = uuid.NewString()
		}
		if payload == "" {
			payload = sc.Payload
		}
		tasks = append(tasks, campaign.SendTask{
			ID:        id,
			Seq:       len(tasks) + 1,
			Recipient: to,
			Payload:   payload,
			Status:    campaign.TaskPending,
		})
	}
	for _, to := range sc.Recipients {
		add("", to, "")
	}
	for _, t := range sc.Tasks {
		add(t.ID, t.Recipient, t.Payload)
	}
	return c, tasks, nil
}
