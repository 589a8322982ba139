package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"smsbackup/internal/config"
	"smsbackup/internal/eventbus"
	"smsbackup/internal/jobs"
	"smsbackup/internal/metrics"
	"smsbackup/internal/netstate"
	"smsbackup/internal/observer"
	"smsbackup/internal/prefs"
	rtsup "smsbackup/internal/runtime/supervisor"
	"smsbackup/internal/storage"
	"smsbackup/internal/task/engine"
	"smsbackup/internal/task/scheduler"
	"smsbackup/internal/worker"
	logx "smsbackup/pkg/logx"
)

var ErrNoWorker = errors.New("worker.command or worker.unit is required")

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	prefs   *prefs.Store
	net     *netstate.Monitor
	obs     *observer.Observer
	engine  *engine.Service
	sched   *scheduler.Service
	worker  jobs.Worker
	backups *jobs.BackupJobScheduler
	metrics *metrics.Metrics

	metricsCfg config.MetricsConfig
}

type Option func(*options)

type options struct {
	worker jobs.Worker
	lister netstate.Lister
}

// WithWorker replaces the configured worker.
func WithWorker(w jobs.Worker) Option { return func(o *options) { o.worker = w } }

// WithInterfaceLister replaces the network interface probe.
func WithInterfaceLister(l netstate.Lister) Option { return func(o *options) { o.lister = l } }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	values, err := prefs.FromConfig(cfg.Preferences)
	if err != nil {
		return nil, err
	}
	if err := validateMappings(cfg); err != nil {
		return nil, err
	}
	prefStore := prefs.NewStore(values)

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	w := o.worker
	if w == nil {
		w, err = newWorker(cfg, log.With(logx.String("comp", "worker")))
		if err != nil {
			closeStore(store)
			return nil, err
		}
	}

	engCfg, _ := mapTaskEngineConfig(cfg)
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	netCfg, _ := mapNetworkConfig(cfg)
	mon := netstate.New(netCfg, log.With(logx.String("comp", "netstate")), bus)
	if o.lister != nil {
		mon.SetLister(o.lister)
	}

	obsCfg, _ := mapObserverConfig(cfg)
	obs := observer.New(obsCfg, log.With(logx.String("comp", "observer")), bus)

	schedCfg, _ := mapSchedulerConfig(cfg)
	schedSvc := scheduler.New(schedCfg, engineSvc, store, mon, w, log.With(logx.String("comp", "scheduler")), bus)

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		prefs:      prefStore,
		net:        mon,
		obs:        obs,
		engine:     engineSvc,
		sched:      schedSvc,
		worker:     w,
		backups:    jobs.NewBackupJobScheduler(prefStore, schedSvc),
		metrics:    metrics.New(func() int { return len(schedSvc.Snapshot().Jobs) }),
		metricsCfg: cfg.Metrics,
	}, nil
}

func newWorker(cfg *config.Config, log logx.Logger) (jobs.Worker, error) {
	wc := cfg.Worker
	if strings.TrimSpace(wc.Unit) != "" {
		return worker.NewUnit(context.Background(), worker.UnitConfig{Unit: wc.Unit, User: wc.UserUnit}, log)
	}
	if strings.TrimSpace(wc.Command) == "" {
		return nil, ErrNoWorker
	}
	return worker.New(worker.Config{Command: wc.Command, Dir: wc.Dir, Env: wc.Env}, log)
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
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

// Backups exposes the job policy for operational commands.
func (a *App) Backups() *jobs.BackupJobScheduler { return a.backups }

func (a *App) Snapshot() scheduler.Snapshot { return a.sched.Snapshot() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validateMappings(cfg); err != nil {
			return err
		}
		_, err := prefs.FromConfig(cfg.Preferences)
		return err
	})

	a.engine.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		// Persisted jobs are rebuilt from preferences below.
		a.log.Warn("could not restore persisted jobs", logx.Err(err))
	}

	a.sup.GoRestart("netstate", a.net.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.GoRestart("observer", a.obs.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.sup.Go("metrics.consume", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
	if addr := strings.TrimSpace(a.metricsCfg.Addr); addr != "" {
		opts := metrics.ServeOptions{
			Addr:  addr,
			Path:  a.metricsCfg.Path,
			Pprof: a.metricsCfg.Pprof,
			Token: a.metricsCfg.Token,
		}
		mlog := a.log.With(logx.String("comp", "metrics"))
		// Metrics are optional: a failing listener is retried, never fatal.
		a.sup.GoRestart("metrics.serve", func(c context.Context) error {
			return a.metrics.Serve(c, opts, mlog)
		}, rtsup.WithRestartBackoff(time.Second, time.Minute))
	}

	// Content triggers are one-shot: arm the next one after each run.
	done, unsub := a.bus.Subscribe(16, eventbus.TaskFinished, eventbus.TaskFailed)
	a.sup.Go0("jobs.rearm", func(c context.Context) {
		defer unsub()
		a.rearmLoop(c, done)
	})

	// Optional: log events for observability/debug.
	events, unsubAll := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubAll()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if err := a.applySchedule(runCtx); err != nil {
		return err
	}
	a.log.Info("app started", logx.Bool("auto_backup", a.prefs.AutoBackup()))
	return nil
}

// applySchedule brings the scheduled jobs in line with the preferences.
func (a *App) applySchedule(ctx context.Context) error {
	if !a.prefs.AutoBackup() {
		if err := a.backups.CancelAll(ctx); err != nil {
			return fmt.Errorf("cancel backups: %w", err)
		}
		a.log.Info("auto backup disabled; all jobs canceled")
		return nil
	}
	if err := a.backups.ScheduleRegular(ctx); err != nil {
		return fmt.Errorf("schedule regular backup: %w", err)
	}
	if err := a.backups.ScheduleOnChange(ctx); err != nil {
		return fmt.Errorf("schedule incoming backup: %w", err)
	}
	return nil
}

func (a *App) rearmLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, ok := e.Data.(engine.TaskEvent)
			if !ok || ev.Name != jobs.Incoming.String() || !a.prefs.AutoBackup() {
				continue
			}
			if err := a.backups.ScheduleOnChange(ctx); err != nil {
				a.log.Warn("failed to re-arm incoming backup", logx.Err(err))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Close(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("worker", time.Second, func(context.Context) error {
		if cl, ok := a.worker.(io.Closer); ok {
			return cl.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
