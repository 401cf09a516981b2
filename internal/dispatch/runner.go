package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"campaignd/internal/accountpool"
	"campaignd/internal/campaign"
	"campaignd/internal/eventbus"
	"campaignd/internal/pacing"
	"campaignd/internal/retry"
	"campaignd/internal/sender"
	logx "campaignd/pkg/logx"
)

// minWait keeps the loop from spinning when an account looks eligible but
// another campaign holds it.
const minWait = 5 * time.Millisecond

// blocker is what kept the loop from issuing a send.
type blocker int

const (
	blockNone blocker = iota
	blockSlots
	blockBatch
	blockDaily
	blockBackoff
	blockAccounts
	blockEmpty
)

type attempt struct {
	task  campaign.SendTask
	lease *accountpool.Lease
	err   error
	end   time.Time
}

// runner is the state of one campaign loop. Only the loop goroutine touches
// it; send goroutines report through results.
type runner struct {
	s   *Service
	r   *run
	c   campaign.Campaign
	log logx.Logger

	// storeCtx outlives a pause or cancel so in-flight results still land.
	storeCtx context.Context

	policy *pacing.Policy
	pool   *accountpool.Pool
	batch  *pacing.BatchGate
	daily  *pacing.DailyCap

	queue    []campaign.SendTask
	inflight int
	results  chan attempt

	parallel     int
	poll         time.Duration
	stallTimeout time.Duration
	sendTimeout  time.Duration
	stallSince   time.Time
}

func (s *Service) execute(ctx context.Context, r *run, cfg Config) (campaign.State, error) {
	rn, err := s.prepare(ctx, r, cfg)
	if err != nil {
		s.log.Error("campaign run failed to start", logx.String("campaign", r.id), logx.Err(err))
		s.bus.Publish(eventbus.Event{
			Type: eventbus.CampaignHalted,
			Data: eventbus.StateChange{CampaignID: r.id, From: campaign.StateRunning, To: campaign.StateRunning, Reason: err.Error()},
		})
		return campaign.StateRunning, err
	}
	return rn.loop(ctx)
}

func (s *Service) prepare(ctx context.Context, r *run, cfg Config) (*runner, error) {
	storeCtx := context.WithoutCancel(ctx)
	c, err := s.store.GetCampaign(storeCtx, r.id)
	if err != nil {
		return nil, err
	}
	pc := c.Pacing
	if pc.Timezone == "" {
		pc.Timezone = cfg.DefaultTimezone
	}
	opts := []pacing.Option{pacing.WithPresets(s.presets)}
	if cfg.Seed != 0 {
		opts = append(opts, pacing.WithSeed(cfg.Seed))
	}
	policy, err := pacing.New(pc, opts...)
	if err != nil {
		return nil, err
	}
	strategy, err := accountpool.NewStrategy(pc.Rotation, c.Accounts, cfg.Seed)
	if err != nil {
		return nil, err
	}

	log := s.log.With(logx.String("campaign", c.ID))
	ids := make([]string, 0, len(c.Accounts))
	for _, id := range c.Accounts {
		a, err := s.store.GetAccount(storeCtx, id)
		if errors.Is(err, campaign.ErrNotFound) {
			log.Warn("campaign account not found; ignoring", logx.String("account", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		if a.Platform != "" && !strings.EqualFold(a.Platform, c.Platform) {
			log.Warn("campaign account is for another platform; ignoring",
				logx.String("account", id), logx.String("platform", a.Platform))
			continue
		}
		s.accounts.Load(a)
		ids = append(ids, id)
	}

	tasks, err := s.store.LoadPendingTasks(storeCtx, c.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range tasks {
		if tasks[i].Status != campaign.TaskInFlight {
			continue
		}
		// The previous process died mid-send; no outcome was recorded.
		tasks[i].Status = campaign.TaskPending
		tasks[i].UpdatedAt = now
		if err := s.store.UpdateTask(storeCtx, tasks[i]); err != nil {
			return nil, err
		}
		log.Info("requeued task left in flight", logx.String("task", tasks[i].ID))
	}

	outcomes, err := s.store.LoadOutcomes(storeCtx, c.ID)
	if err != nil {
		return nil, err
	}
	daily := pacing.NewDailyCap(policy)
	daily.Seed(outcomes, now)

	pool := accountpool.New(s.accounts, ids, policy, strategy)
	if n := len(outcomes); n > 0 {
		pool.Restore(outcomes[n-1].AccountID)
	}

	parallel := cfg.MaxParallelAccounts
	if pc.MaxParallelAccounts > 0 {
		parallel = pc.MaxParallelAccounts
	}
	stall := cfg.StallTimeout
	if pc.StallTimeout > 0 {
		stall = pc.StallTimeout
	}

	log.Info("campaign run started",
		logx.Int("pending", len(tasks)),
		logx.Int("accounts", len(ids)),
		logx.Int("parallel", parallel),
		logx.String("rotation", string(pc.Rotation)))

	return &runner{
		s:            s,
		r:            r,
		c:            c,
		log:          log,
		storeCtx:     storeCtx,
		policy:       policy,
		pool:         pool,
		batch:        pacing.NewBatchGate(pc.BatchSize, pc.BatchPause),
		daily:        daily,
		queue:        tasks,
		results:      make(chan attempt, parallel),
		parallel:     parallel,
		poll:         cfg.PollInterval,
		stallTimeout: stall,
		sendTimeout:  cfg.SendTimeout,
	}, nil
}

func (rn *runner) loop(ctx context.Context) (campaign.State, error) {
	var haltErr error
	for {
		stopping := ctx.Err() != nil || haltErr != nil
		if rn.inflight == 0 && haltErr == nil && len(rn.queue) == 0 &&
			(ctx.Err() == nil || rn.r.stopReason() != stopCancel) {
			return rn.complete()
		}
		if stopping && rn.inflight == 0 {
			return rn.exit(haltErr)
		}

		wait := rn.poll
		var done <-chan struct{}
		if !stopping {
			done = ctx.Done()
			var (
				block blocker
				err   error
			)
			for {
				block, wait, err = rn.issue(ctx, time.Now())
				if err != nil || block != blockNone {
					break
				}
			}
			if err == nil {
				var stalled bool
				stalled, err = rn.checkStall(block, time.Now())
				if stalled {
					return campaign.StateStalled, campaign.ErrStalled
				}
			}
			if err != nil {
				haltErr = err
				continue
			}
		}
		if wait < minWait {
			wait = minWait
		}
		if wait > rn.poll {
			wait = rn.poll
		}

		// While stopping only results can end the wait.
		t := time.NewTimer(wait)
		select {
		case res := <-rn.results:
			if err := rn.handle(res); err != nil && haltErr == nil {
				haltErr = err
			}
		case <-t.C:
		case <-done:
		}
		t.Stop()
	}
}

// issue starts at most one send. It returns what blocks the next one and how
// long that is expected to last.
func (rn *runner) issue(ctx context.Context, now time.Time) (blocker, time.Duration, error) {
	if rn.inflight >= rn.parallel {
		return blockSlots, rn.poll, nil
	}
	if len(rn.queue) == 0 {
		return blockEmpty, rn.poll, nil
	}
	if ok, until := rn.batch.Ready(now); !ok {
		return blockBatch, until.Sub(now), nil
	}
	if ok, until := rn.daily.Ready(now); !ok {
		return blockDaily, until.Sub(now), nil
	}
	idx, notBefore := rn.nextTask(now)
	if idx < 0 {
		return blockBackoff, notBefore.Sub(now), nil
	}

	lease, err := rn.pool.Next(ctx, now)
	if err != nil && ctx.Err() == nil {
		rn.log.Warn("no account acquired", logx.Err(err))
	}
	if err != nil || lease == nil {
		wait := rn.poll
		if next, ok := rn.pool.NextEligibleTime(now); ok {
			wait = next.Sub(now)
		}
		return blockAccounts, wait, nil
	}

	task := rn.queue[idx]
	task.Status = campaign.TaskInFlight
	task.AccountID = lease.Account.ID
	task.UpdatedAt = now
	if err := rn.s.store.UpdateTask(rn.storeCtx, task); err != nil {
		lease.Release()
		return blockNone, 0, err
	}
	rn.queue = append(rn.queue[:idx], rn.queue[idx+1:]...)
	rn.inflight++
	rn.daily.Record(now)
	if rn.batch.Record(now) {
		rn.log.Debug("batch pause started", logx.Duration("pause", rn.c.Pacing.BatchPause))
	}
	rn.log.Debug("send issued",
		logx.String("task", task.ID),
		logx.String("account", task.AccountID),
		logx.Int("attempt", task.Attempts+1))

	go rn.send(ctx, task, lease)
	return blockNone, 0, nil
}

// nextTask returns the index of the first queued task whose backoff elapsed,
// or -1 and the earliest time one will be ready.
func (rn *runner) nextTask(now time.Time) (int, time.Time) {
	var soonest time.Time
	for i, t := range rn.queue {
		if !t.NotBefore.After(now) {
			return i, time.Time{}
		}
		if soonest.IsZero() || t.NotBefore.Before(soonest) {
			soonest = t.NotBefore
		}
	}
	return -1, soonest
}

func (rn *runner) send(ctx context.Context, task campaign.SendTask, lease *accountpool.Lease) {
	// In-flight sends are never killed by pause or cancel; only the timeout
	// bounds them.
	err := rn.s.senders.Send(context.WithoutCancel(ctx), sender.Request{
		Platform:  rn.c.Platform,
		Account:   lease.Account,
		Recipient: task.Recipient,
		Payload:   task.Payload,
		Timeout:   rn.sendTimeout,
	})
	rn.results <- attempt{task: task, lease: lease, err: err, end: time.Now()}
}

// handle applies the retry decision for one finished attempt.
func (rn *runner) handle(res attempt) error {
	rn.inflight--

	kind, hint := sender.Classify(res.err)
	n := res.task.Attempts + 1
	dec := rn.s.retry.Classify(kind, n, hint)
	acctID := res.lease.Account.ID

	acct, acctErr := res.lease.Commit(rn.storeCtx, func(a *campaign.Account) {
		rn.policy.RecordAction(a, res.end)
		switch {
		case dec.Action == retry.SuspendAccount:
			a.State = campaign.AccountSuspended
			a.CooldownUntil = time.Time{}
		case dec.Cooldown > 0 && a.State != campaign.AccountSuspended:
			if until := res.end.Add(dec.Cooldown); until.After(a.CooldownUntil) {
				a.CooldownUntil = until
			}
			a.State = campaign.AccountCooldown
		}
	})

	t := res.task
	t.Status = dec.Status
	t.UpdatedAt = res.end
	t.NotBefore = time.Time{}
	if dec.Charge {
		t.Attempts = n
	}
	if kind == campaign.ResultSuccess {
		t.LastError = ""
	} else {
		t.LastError = kind
	}
	switch dec.Action {
	case retry.RetryWithBackoff:
		t.NotBefore = res.end.Add(dec.Delay)
	case retry.SuspendAccount:
		t.AccountID = ""
	}
	if t.Status == campaign.TaskPending && rn.r.stopReason() == stopCancel {
		// Cancel arrived while this attempt was in flight; it was the last one.
		t.Status = campaign.TaskFailed
		t.NotBefore = time.Time{}
	}

	o := campaign.Outcome{
		ID:         uuid.NewString(),
		CampaignID: rn.c.ID,
		TaskID:     t.ID,
		AccountID:  acctID,
		Kind:       kind,
		Attempt:    n,
		At:         res.end,
		RetryAfter: hint,
	}
	if res.err != nil {
		o.Message = res.err.Error()
	}
	if err := rn.s.store.RecordOutcome(rn.storeCtx, t, o); err != nil {
		return err
	}
	if t.Status == campaign.TaskPending {
		rn.requeue(t)
	}

	fields := []logx.Field{
		logx.String("task", t.ID),
		logx.String("account", acctID),
		logx.String("kind", string(kind)),
		logx.String("status", string(t.Status)),
		logx.Int("attempt", n),
	}
	if dec.Delay > 0 && t.Status == campaign.TaskPending {
		fields = append(fields, logx.Duration("retry_in", dec.Delay))
	}
	rn.log.Debug("send finished", fields...)
	rn.s.bus.Publish(eventbus.Event{Type: eventbus.TaskOutcome, Time: res.end, Data: o})

	switch {
	case dec.Action == retry.SuspendAccount:
		rn.log.Warn("account suspended", logx.String("account", acctID), logx.Err(res.err))
		rn.s.bus.Publish(eventbus.Event{
			Type: eventbus.AccountSuspended,
			Data: eventbus.AccountChange{AccountID: acctID, CampaignID: rn.c.ID, Cause: kind},
		})
	case dec.Cooldown > 0 && acct.State == campaign.AccountCooldown:
		rn.log.Info("account cooling down", logx.String("account", acctID), logx.Time("until", acct.CooldownUntil))
		rn.s.bus.Publish(eventbus.Event{
			Type: eventbus.AccountCooldown,
			Data: eventbus.AccountChange{AccountID: acctID, CampaignID: rn.c.ID, Cause: kind, Until: acct.CooldownUntil},
		})
	}
	return acctErr
}

// requeue puts a task back keeping Seq order.
func (rn *runner) requeue(t campaign.SendTask) {
	i := sort.Search(len(rn.queue), func(i int) bool { return rn.queue[i].Seq > t.Seq })
	rn.queue = append(rn.queue, campaign.SendTask{})
	copy(rn.queue[i+1:], rn.queue[i:])
	rn.queue[i] = t
}

// checkStall reports whether the campaign has waited on accounts for longer
// than the stall timeout with nothing in flight, and records the stall.
func (rn *runner) checkStall(block blocker, now time.Time) (bool, error) {
	if block != blockAccounts || rn.inflight > 0 {
		rn.stallSince = time.Time{}
		return false, nil
	}
	if !rn.pool.AllSuspended() {
		if rn.stallSince.IsZero() {
			rn.stallSince = now
			return false, nil
		}
		if now.Sub(rn.stallSince) < rn.stallTimeout {
			return false, nil
		}
	}

	reason := "every account is suspended"
	if !rn.stallSince.IsZero() {
		reason = fmt.Sprintf("no eligible account for %s", now.Sub(rn.stallSince).Round(time.Millisecond))
	}
	if err := rn.s.store.SetCampaignState(rn.storeCtx, rn.c.ID, campaign.StateStalled, now); err != nil {
		return false, err
	}
	rn.log.Warn("campaign stalled",
		logx.String("reason", reason),
		logx.Int("pending", len(rn.queue)),
		logx.Any("suspended", rn.pool.Suspended()))
	rn.s.bus.Publish(eventbus.Event{
		Type: eventbus.CampaignStalled,
		Data: eventbus.StateChange{CampaignID: rn.c.ID, From: campaign.StateRunning, To: campaign.StateStalled, Reason: reason},
	})
	rn.s.publishState(rn.c.ID, campaign.StateRunning, campaign.StateStalled, reason)
	return true, nil
}

func (rn *runner) complete() (campaign.State, error) {
	if err := rn.s.store.SetCampaignState(rn.storeCtx, rn.c.ID, campaign.StateCompleted, time.Now()); err != nil {
		return rn.exit(err)
	}
	rn.s.publishState(rn.c.ID, campaign.StateRunning, campaign.StateCompleted, "done")
	return campaign.StateCompleted, nil
}

// exit finishes a loop that was asked to stop or hit a store failure. Nothing
// is in flight.
func (rn *runner) exit(haltErr error) (campaign.State, error) {
	if haltErr != nil {
		rn.log.Error("store unavailable; campaign halted", logx.Err(haltErr))
		rn.s.bus.Publish(eventbus.Event{
			Type: eventbus.CampaignHalted,
			Data: eventbus.StateChange{CampaignID: rn.c.ID, From: campaign.StateRunning, To: campaign.StateRunning, Reason: haltErr.Error()},
		})
		return campaign.StateRunning, haltErr
	}

	now := time.Now()
	switch rn.r.stopReason() {
	case stopPause:
		if err := rn.s.setState(rn.storeCtx, rn.c.ID, campaign.StateRunning, campaign.StatePaused, "pause"); err != nil {
			return rn.exit(err)
		}
		return campaign.StatePaused, nil
	case stopCancel:
		if err := skipPending(rn.storeCtx, rn.s.store, rn.c.ID, now); err != nil {
			return rn.exit(err)
		}
		if err := rn.s.setState(rn.storeCtx, rn.c.ID, campaign.StateRunning, campaign.StateCancelled, "cancel"); err != nil {
			return rn.exit(err)
		}
		return campaign.StateCancelled, nil
	default:
		rn.log.Info("campaign run stopped for shutdown", logx.Int("pending", len(rn.queue)))
		return campaign.StateRunning, nil
	}
}
