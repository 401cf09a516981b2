// Package dispatch runs campaigns: one loop per running campaign turns
// pending tasks into paced, rotated sends and records every outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"campaignd/internal/accountpool"
	"campaignd/internal/campaign"
	"campaignd/internal/eventbus"
	"campaignd/internal/pacing"
	"campaignd/internal/progress"
	"campaignd/internal/retry"
	"campaignd/internal/runtime/supervisor"
	"campaignd/internal/sender"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

var (
	ErrAlreadyRunning = errors.New("campaign is already running")
	ErrNotRunning     = errors.New("campaign is not running")
	ErrShutdown       = errors.New("dispatcher is shut down")
)

// Config holds dispatcher-wide defaults. Campaign pacing may override
// StallTimeout and MaxParallelAccounts.
type Config struct {
	PollInterval        time.Duration
	StallTimeout        time.Duration
	SendTimeout         time.Duration
	MaxParallelAccounts int
	DefaultTimezone     string
	// Seed fixes the random sources (0 = time based).
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.MaxParallelAccounts <= 0 {
		c.MaxParallelAccounts = 1
	}
	return c
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    storage.Store
	Accounts *accountpool.Registry
	Senders  *sender.Registry
	Retry    *retry.Policy
	Bus      eventbus.Bus
	Presets  pacing.Presets
	Log      logx.Logger
}

// Service is the operator control surface over all campaigns.
type Service struct {
	store    storage.Store
	accounts *accountpool.Registry
	senders  *sender.Registry
	retry    *retry.Policy
	bus      eventbus.Bus
	presets  pacing.Presets
	reporter *progress.Reporter
	log      logx.Logger
	sup      *supervisor.Supervisor

	mu   sync.Mutex
	cfg  Config
	runs map[string]*run
	// last holds the most recent finished run of each campaign.
	last   map[string]*run
	closed bool
}

func New(cfg Config, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "dispatch"))
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Retry == nil {
		d.Retry = retry.New(retry.Config{}, cfg.Seed)
	}
	if d.Accounts == nil {
		d.Accounts = accountpool.NewRegistry(d.Store, accountpool.WithLogger(log))
	}
	return &Service{
		store:    d.Store,
		accounts: d.Accounts,
		senders:  d.Senders,
		retry:    d.Retry,
		bus:      d.Bus,
		presets:  d.Presets,
		reporter: progress.NewReporter(d.Store),
		log:      log,
		sup:      supervisor.New(context.Background(), supervisor.WithLogger(log)),
		cfg:      cfg.withDefaults(),
		runs:     map[string]*run{},
		last:     map[string]*run{},
	}
}

// SetConfig replaces the defaults used by runs started afterwards.
func (s *Service) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Accounts exposes the shared account registry.
func (s *Service) Accounts() *accountpool.Registry { return s.accounts }

// Running returns the IDs of campaigns with an active loop.
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	return out
}

func (s *Service) List(ctx context.Context) ([]campaign.Campaign, error) {
	return s.store.ListCampaigns(ctx)
}

// Queue moves a Draft campaign to Queued.
func (s *Service) Queue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.store.LoadCampaignState(ctx, id)
	if err != nil {
		return err
	}
	if st != campaign.StateDraft {
		return &campaign.TransitionError{Verb: "queue", From: st}
	}
	return s.setState(ctx, id, st, campaign.StateQueued, "queue")
}

// Start begins dispatching a Draft, Queued or Stalled campaign.
func (s *Service) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return ErrAlreadyRunning
	}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !c.State.CanStart() {
		return &campaign.TransitionError{Verb: "start", From: c.State}
	}
	return s.launchLocked(ctx, c, "start")
}

// Resume restarts the loop of a Paused campaign. Pacing state is rebuilt
// from the stored account counters.
func (s *Service) Resume(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return ErrAlreadyRunning
	}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.State != campaign.StatePaused {
		return &campaign.TransitionError{Verb: "resume", From: c.State}
	}
	return s.launchLocked(ctx, c, "resume")
}

// ResumeRunning relaunches campaigns persisted as Running without a loop in
// this process (after a restart). It returns how many were relaunched.
func (s *Service) ResumeRunning(ctx context.Context) (int, error) {
	list, err := s.store.ListCampaigns(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range list {
		if c.State != campaign.StateRunning {
			continue
		}
		if _, ok := s.runs[c.ID]; ok {
			continue
		}
		if err := s.launchLocked(ctx, c, "recover"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Pause stops issuing sends, waits for in-flight sends and marks the
// campaign Paused.
func (s *Service) Pause(ctx context.Context, id string) error {
	if r := s.run(id); r != nil {
		r.stop(stopPause)
		if err := r.wait(ctx); err != nil {
			return err
		}
		final, _ := r.result()
		if final == campaign.StatePaused {
			return nil
		}
		if final != campaign.StateRunning {
			return &campaign.TransitionError{Verb: "pause", From: final}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return ErrAlreadyRunning
	}
	st, err := s.store.LoadCampaignState(ctx, id)
	if err != nil {
		return err
	}
	// A halted loop leaves the campaign Running with no loop.
	if st != campaign.StateRunning {
		return &campaign.TransitionError{Verb: "pause", From: st}
	}
	return s.setState(ctx, id, st, campaign.StatePaused, "pause")
}

// Cancel stops the campaign for good: in-flight sends finish and the
// remaining pending tasks become Skipped.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if r := s.run(id); r != nil {
		r.stop(stopCancel)
		if err := r.wait(ctx); err != nil {
			return err
		}
		if final, _ := r.result(); final == campaign.StateCancelled {
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return ErrAlreadyRunning
	}
	st, err := s.store.LoadCampaignState(ctx, id)
	if err != nil {
		return err
	}
	if st.Terminal() {
		return &campaign.TransitionError{Verb: "cancel", From: st}
	}
	if err := skipPending(ctx, s.store, id, time.Now()); err != nil {
		return err
	}
	return s.setState(ctx, id, st, campaign.StateCancelled, "cancel")
}

// UpdatePacing replaces the pacing of a campaign that is not running.
func (s *Service) UpdatePacing(ctx context.Context, id string, p campaign.PacingConfig) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; ok {
		return &campaign.TransitionError{Verb: "update pacing of", From: campaign.StateRunning}
	}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	switch c.State {
	case campaign.StateDraft, campaign.StateQueued, campaign.StatePaused, campaign.StateStalled:
	default:
		return &campaign.TransitionError{Verb: "update pacing of", From: c.State}
	}
	c.Pacing = p
	c.UpdatedAt = time.Now()
	if err := s.store.UpdateCampaign(ctx, c); err != nil {
		return err
	}
	s.log.Info("pacing updated", logx.String("campaign", id), logx.Any("pacing", p))
	return nil
}

// Summary folds the stored tasks and outcomes of a campaign.
func (s *Service) Summary(ctx context.Context, id string) (progress.Summary, error) {
	sum, err := s.reporter.Summary(ctx, id)
	if err != nil {
		return sum, err
	}
	s.mu.Lock()
	r := s.last[id]
	s.mu.Unlock()
	if r != nil {
		if _, err := r.result(); err != nil && !errors.Is(err, campaign.ErrStalled) {
			sum.Error = err.Error()
		}
	}
	return sum, nil
}

// Wait blocks until the loop of id exits and returns the state it left the
// campaign in. Stalled runs return ErrStalled; halted runs the store error.
// When the loop already exited, Wait reports the last run.
func (s *Service) Wait(ctx context.Context, id string) (campaign.State, error) {
	s.mu.Lock()
	r := s.runs[id]
	if r == nil {
		r = s.last[id]
	}
	s.mu.Unlock()
	if r == nil {
		return "", ErrNotRunning
	}
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.result()
}

// Shutdown stops every loop without changing campaign states, so Running
// campaigns resume on the next start.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()
	for _, r := range runs {
		r.stop(stopShutdown)
	}
	return s.sup.Stop(ctx)
}

func (s *Service) run(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Service) setState(ctx context.Context, id string, from, to campaign.State, reason string) error {
	if err := s.store.SetCampaignState(ctx, id, to, time.Now()); err != nil {
		return err
	}
	s.publishState(id, from, to, reason)
	return nil
}

func (s *Service) publishState(id string, from, to campaign.State, reason string) {
	s.log.Info("campaign state changed",
		logx.String("campaign", id),
		logx.String("from", string(from)),
		logx.String("to", string(to)),
		logx.String("reason", reason))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.CampaignState,
		Data: eventbus.StateChange{CampaignID: id, From: from, To: to, Reason: reason},
	})
}

func (s *Service) launchLocked(ctx context.Context, c campaign.Campaign, reason string) error {
	if s.closed {
		return ErrShutdown
	}
	if s.senders == nil {
		return fmt.Errorf("%w: no send adapters configured", campaign.ErrInvalidConfig)
	}
	if _, ok := s.senders.Get(c.Platform); !ok {
		s.log.Warn("no adapter for campaign platform; sends will be skipped",
			logx.String("campaign", c.ID), logx.String("platform", c.Platform))
	}
	if c.State != campaign.StateRunning {
		if err := s.setState(ctx, c.ID, c.State, campaign.StateRunning, reason); err != nil {
			return err
		}
	}
	delete(s.last, c.ID)

	runCtx, cancel := context.WithCancel(s.sup.Context())
	r := &run{id: c.ID, cancel: cancel, done: make(chan struct{})}
	s.runs[c.ID] = r

	cfg := s.cfg
	s.sup.Go("campaign."+c.ID, func(context.Context) error {
		defer cancel()
		final, err := s.execute(runCtx, r, cfg)

		s.mu.Lock()
		if s.runs[c.ID] == r {
			delete(s.runs, c.ID)
			s.last[c.ID] = r
		}
		s.mu.Unlock()
		r.finish(final, err)
		return nil
	})
	return nil
}

// skipPending marks every Pending or InFlight task Skipped.
func skipPending(ctx context.Context, st storage.Store, id string, now time.Time) error {
	tasks, err := st.LoadPendingTasks(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		t.Status = campaign.TaskSkipped
		t.NotBefore = time.Time{}
		t.UpdatedAt = now
		if err := st.UpdateTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

type stopReason int

const (
	stopNone stopReason = iota
	stopShutdown
	stopPause
	stopCancel
)

// run is the handle of one campaign loop.
type run struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason stopReason
	final  campaign.State
	err    error
}

// stop asks the loop to exit. A stronger reason replaces a weaker one
// (cancel over pause over shutdown).
func (r *run) stop(reason stopReason) {
	r.mu.Lock()
	if reason > r.reason {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) stopReason() stopReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reason == stopNone {
		return stopShutdown
	}
	return r.reason
}

func (r *run) finish(final campaign.State, err error) {
	r.mu.Lock()
	r.final, r.err = final, err
	r.mu.Unlock()
	close(r.done)
}

func (r *run) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return nil
	}
}

// result is valid once done is closed.
func (r *run) result() (campaign.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final, r.err
}
