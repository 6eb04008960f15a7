// Package app wires workerd: config, logging, the worker observers, run
// history and the schedule launcher.
package app

import (
	"context"
	"fmt"
	"time"

	"managedworker/internal/config"
	"managedworker/internal/eventbus"
	"managedworker/internal/monitor"
	"managedworker/internal/observability/introspect"
	"managedworker/internal/runtime/supervisor"
	"managedworker/internal/schedule"
	"managedworker/internal/storage"
	"managedworker/internal/worker"
	logx "managedworker/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	trace *logx.TraceWriter

	bus      eventbus.Bus
	store    storage.Store
	recorder *storage.Recorder
	mon      *monitor.Monitor
	launcher *schedule.Launcher
	intro    *introspect.Service

	notify Notifier
}

// Option configures an App.
type Option func(*App)

// WithNotifier replaces the systemd notifier.
func WithNotifier(n Notifier) Option {
	return func(a *App) {
		if n != nil {
			a.notify = n
		}
	}
}

// New loads cfgPath and builds every component. Nothing runs until Start or
// RunOnce.
func New(cfgPath string, opts ...Option) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDebugConfig(cfg); err != nil {
			return err
		}
		_, err := buildJobs(cfg)
		return err
	})
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	var store storage.Store
	defer func() {
		if err == nil {
			return
		}
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
	}()

	trace := logx.NewTraceWriter(logx.Stdout(), cfg.Logging.Trace.RatePerSec)
	trace.Apply(cfg.Logging.Trace.IsEnabled(), cfg.Logging.Trace.RatePerSec)

	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		trace:  trace,
		bus:    eventbus.New(),
		mon:    monitor.New(log.With(logx.String("comp", "monitor"))),
		notify: SystemdNotifier{},
	}
	for _, o := range opts {
		o(a)
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store, a.store = st, st
		a.recorder = storage.NewRecorder(st, a.bus, 256, log.With(logx.String("comp", "recorder")))
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	// The bus observer runs before the monitor so a stopped event is queued
	// for the recorder before WaitIdle can return.
	obs := worker.Observers(worker.NewBusObserver(a.bus), a.mon)
	a.launcher = schedule.NewLauncher(a.mon, log.With(logx.String("comp", "launcher")),
		schedule.WithWorkerOptions(
			worker.WithLogger(log.With(logx.String("comp", "worker"))),
			worker.WithTrace(a.trace),
			worker.WithObserver(obs),
		),
	)

	jobs, err := buildJobs(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.launcher.Replace(jobs); err != nil {
		return nil, err
	}

	dc, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.intro = introspect.New(dc, introspect.Sources{
		Workers: func() any { return a.mon.Snapshot() },
		Locks:   func() any { return worker.DefaultLocks().Stats() },
		Jobs:    func() any { return a.launcher.Entries() },
		Runs: func(ctx context.Context, identity string, limit int) (any, error) {
			return a.History(ctx, identity, limit)
		},
	}, log.With(logx.String("comp", "introspect")))
	return a, nil
}

func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Monitor() *monitor.Monitor          { return a.mon }
func (a *App) Launcher() *schedule.Launcher       { return a.launcher }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Trace() *logx.TraceWriter           { return a.trace }
func (a *App) Config() *config.Config             { return a.cfgm.Get() }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Done is closed when the app context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) runContext() context.Context {
	if a.sup == nil {
		return context.Background()
	}
	return a.sup.Context()
}

// Err returns the first fatal service error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) startServices(ctx context.Context) {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	if a.recorder != nil {
		a.sup.Go("runs.recorder", a.recorder.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// Start runs the launcher and the config watcher until Stop.
func (a *App) Start(ctx context.Context) error {
	a.startServices(ctx)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 5*time.Second)
	a.startWatchdog()
	a.intro.Start(a.sup.Context())

	a.launcher.Start()
	a.notifyState(sdReady)
	a.log.Info("app started", logx.Int("jobs", len(a.launcher.Entries())))
	return nil
}

// Wait blocks until ctx is done or a service fails. The supervisor context is
// a child of ctx, so both fire on a signal; a recorded service error decides.
func (a *App) Wait(ctx context.Context) StopReason {
	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	switch {
	case a.Err() != nil:
		return StopFatalError
	case ctx.Err() != nil:
		return StopSignal
	default:
		return StopUnknown
	}
}

// RunOnce starts every job one time, whatever its schedule, and waits until
// no worker is in flight or ctx is done.
func (a *App) RunOnce(ctx context.Context) error {
	a.startServices(ctx)
	a.notifyState(sdReady)

	ws, err := a.launcher.RunAll()
	if err != nil {
		a.log.Warn("some jobs failed to launch", logx.Err(err))
	}
	a.log.Info("jobs launched", logx.Int("workers", len(ws)))

	if err := a.mon.WaitIdle(ctx); err != nil {
		return err
	}
	c := a.mon.Counters()
	a.log.Info("all workers finished", logx.Uint64("started", c.Started))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
	coalesce:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break coalesce
			}
		}
		a.apply(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

// apply pushes a validated config into the running components.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.notifyState(sdReloading)
	defer a.notifyState(sdReady)

	for _, s := range sections {
		switch s {
		case "logging":
			if err := a.logs.Apply(mapLogConfig(newCfg)); err != nil {
				a.log.Warn("log file unavailable, using console", logx.Err(err))
			}
			a.trace.Apply(newCfg.Logging.Trace.IsEnabled(), newCfg.Logging.Trace.RatePerSec)
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "debug":
			dc, err := mapDebugConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
				continue
			}
			a.intro.Reconfigure(a.runContext(), dc)
		case "jobs":
			jobs, err := buildJobs(newCfg)
			if err == nil {
				err = a.launcher.Replace(jobs)
			}
			if err != nil {
				a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
			}
		}
	}
	a.log.Info("config reloaded", attrs...)
}

// Stop ends triggering, waits for in-flight workers up to ctx, then closes
// services and storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyState(sdStopping)

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("launcher", 2*time.Second, func(c context.Context) error { a.launcher.Stop(c); return nil })
	step("introspect", time.Second, func(c context.Context) error { a.intro.Stop(c); return nil })
	// Workers cannot be interrupted; give them a bounded drain.
	step("workers", 5*time.Second, func(c context.Context) error {
		err := a.mon.WaitIdle(c)
		if err != nil {
			a.log.Warn("workers still running at shutdown", logx.Any("active", a.mon.Counters().Active))
		}
		return err
	})
	if a.sup != nil {
		step("supervisor", 3*time.Second, a.sup.Stop)
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped",
		logx.Uint64("trace_written", a.trace.Written()),
		logx.Uint64("trace_dropped", a.trace.Dropped()),
		logx.Uint64("events_dropped", a.bus.Dropped()),
	)
	return a.logs.Close()
}

// History lists recorded runs, newest first.
func (a *App) History(ctx context.Context, identity string, limit int) ([]storage.RunRecord, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.ListRuns(ctx, storage.RunFilter{Identity: identity, Limit: limit})
}
