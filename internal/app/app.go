package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"campaignd/internal/accountpool"
	"campaignd/internal/config"
	"campaignd/internal/dispatch"
	"campaignd/internal/eventbus"
	"campaignd/internal/httpapi"
	"campaignd/internal/lease"
	"campaignd/internal/notifier"
	"campaignd/internal/retry"
	"campaignd/internal/runtime/supervisor"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	lease *lease.Redis

	dispatch *dispatch.Service
	http     *httpapi.Server
	notif    *notifier.Service
	resume   bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return build(context.Background(), cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgPath: cfgm.Path(),
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		resume:  resumeOnStart(cfg),
	}
	// From here on, failures must release what was opened.
	fail := func(err error) (*App, error) {
		if a.lease != nil {
			_ = a.lease.Close()
		}
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	regOpts := []accountpool.RegistryOption{accountpool.WithLogger(log.With(logx.String("comp", "accounts")))}
	ls, err := mapLeaseConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if ls.redis {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rl, err := lease.Dial(dialCtx, ls.dial, log.With(logx.String("comp", "lease")))
		cancel()
		if err != nil {
			return fail(fmt.Errorf("lease: %w", err))
		}
		a.lease = rl
		regOpts = append(regOpts, accountpool.WithLocker(rl, ls.ttl))
		log.Info("account leases enabled", logx.String("driver", ls.driver), logx.Duration("ttl", ls.ttl))
	}

	senders, err := buildSenders(ctx, cfg, log.With(logx.String("comp", "sender")))
	if err != nil {
		return fail(err)
	}
	presets, err := mapPresets(cfg)
	if err != nil {
		return fail(err)
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return fail(err)
	}
	rc, err := mapRetryConfig(cfg)
	if err != nil {
		return fail(err)
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err)
	}
	nc, tc, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	var sink notifier.Sink
	if nc.Enabled {
		ts, err := notifier.NewTelegramSink(tc)
		if err != nil {
			return fail(err)
		}
		sink = ts
	}
	a.notif = notifier.New(nc, sink, log, a.bus)

	a.dispatch = dispatch.New(dc, dispatch.Deps{
		Store:    store,
		Accounts: accountpool.NewRegistry(store, regOpts...),
		Senders:  senders,
		Retry:    retry.New(rc, dc.Seed),
		Bus:      a.bus,
		Presets:  presets,
		Log:      log,
	})
	a.http = httpapi.New(hc, a.dispatch, log.With(logx.String("comp", "http")))

	log.Info("app built",
		logx.Any("platforms", senders.Platforms()),
		logx.Int("presets", len(presets)),
		logx.Bool("http", hc.Enabled))
	return a, nil
}

// Dispatcher is the campaign control surface.
func (a *App) Dispatcher() *dispatch.Service { return a.dispatch }

// Store is the campaign store the app opened.
func (a *App) Store() storage.Store { return a.store }

// HTTPAddr is the bound control API address, or "" when it is not serving.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Import loads a seed file into the store.
func (a *App) Import(ctx context.Context, path string) (storage.ImportResult, error) {
	res, err := storage.ImportFile(ctx, a.store, path)
	if err != nil {
		return res, err
	}
	a.log.Info("seed imported",
		logx.String("path", path),
		logx.Int("accounts", res.Accounts),
		logx.Int("campaigns", res.Campaigns),
		logx.Int("tasks", res.Tasks),
		logx.Any("skipped", res.SkippedCampaigns))
	return res, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	if a.resume {
		n, err := a.dispatch.ResumeRunning(a.sup.Context())
		if err != nil {
			return fmt.Errorf("resume running campaigns: %w", err)
		}
		if n > 0 {
			a.log.Info("resumed running campaigns", logx.Int("count", n))
		}
	}

	a.http.Start(a.sup.Context())
	a.notif.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(ch.Sections, ",")
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", changed)}, ch.Fields...)...)

	a.logs.Apply(mapLogging(newCfg))

	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.dispatch.SetConfig(dc)
	}

	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	a.applyNotifier(ctx, newCfg)

	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", changed))
}

// applyNotifier swaps tuning and toggles the pipeline. A sink that was not
// built at startup needs a restart.
func (a *App) applyNotifier(ctx context.Context, newCfg *config.Config) {
	nc, _, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	prev := a.notif.Enabled()
	a.notif.Apply(nc)
	switch {
	case prev && !nc.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prev && nc.Enabled:
		if !a.notif.HasSink() {
			a.log.Warn("notifier enabled via config but no sink was built; restart required")
			return
		}
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.StateChange:
		fields := []logx.Field{
			logx.String("type", e.Type),
			logx.String("campaign", d.CampaignID),
			logx.String("from", string(d.From)),
			logx.String("to", string(d.To)),
			logx.String("reason", d.Reason),
		}
		switch e.Type {
		case eventbus.CampaignStalled, eventbus.CampaignHalted:
			a.log.Warn("campaign event", fields...)
		default:
			a.log.Info("campaign event", fields...)
		}
	case eventbus.AccountChange:
		a.log.Info("account event",
			logx.String("type", e.Type),
			logx.String("account", d.AccountID),
			logx.String("campaign", d.CampaignID),
			logx.String("cause", string(d.Cause)),
			logx.Time("until", d.Until))
	default:
		// Outcomes are frequent; keep them at debug.
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the app context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Order: stop taking commands, drain in-flight sends, then release storage.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("dispatch", 10*time.Second, a.dispatch.Shutdown)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("lease", 1*time.Second, func(context.Context) error {
		if a.lease != nil {
			return a.lease.Close()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
