package app

import (
	"context"
	"fmt"
	"time"

	"fetchsched/internal/config"
	"fetchsched/internal/eventbus"
	"fetchsched/internal/fetch"
	"fetchsched/internal/fetch/httpclient"
	"fetchsched/internal/notify"
	"fetchsched/internal/observability/ops"
	"fetchsched/internal/queue"
	"fetchsched/internal/queue/redisq"
	rtsup "fetchsched/internal/runtime/supervisor"
	"fetchsched/internal/storage"
	"fetchsched/internal/worker"
	logx "fetchsched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	rt   config.Runtime
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	queue      queue.Backend
	closeQueue func() error

	client *httpclient.Client
	pipe   *fetch.Pipeline
	pool   *worker.Pool
	notif  *notify.Service
	ops    *ops.Service
}

// New loads the config at cfgPath and wires every component. Nothing is
// started; the CLI uses the wired stores directly and serve calls Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(rt.Logging)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		rt:      rt,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	if err := a.wire(ctx); err != nil {
		a.closeStores()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	rt := a.rt
	db, err := storage.Open(ctx, rt.Storage, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.db = db
	a.log.Info("storage opened", logx.String("driver", db.Driver()))

	switch rt.Backend {
	case config.BackendRedis:
		rq, err := redisq.Open(ctx, rt.Redis, rt.Policy)
		if err != nil {
			return fmt.Errorf("open redis queue: %w", err)
		}
		a.queue, a.closeQueue = rq, rq.Close
	case config.BackendMemory:
		a.queue = queue.NewMemory(rt.Policy)
		a.log.Warn("memory queue selected; pending jobs are lost on exit")
	default:
		a.queue = db.Queue(rt.Policy)
	}
	a.log.Info("queue ready", logx.String("backend", rt.Backend), logx.Int("max_attempts", rt.Policy.MaxAttempts))

	a.client = httpclient.New(rt.HTTP)
	pipe, err := fetch.NewPipeline(fetch.Deps{
		Definitions: db,
		Headers:     db,
		Schedules:   db,
		Archive:     db,
		Client:      a.client,
		Queue:       a.queue,
		Log:         a.log.With(logx.String("comp", "fetch")),
	})
	if err != nil {
		return err
	}
	a.pipe = pipe

	a.pool = worker.New(rt.Worker, a.queue, pipe, a.log.With(logx.String("comp", "worker")), a.bus)
	a.notif = notify.New(rt.Notify, a.log.With(logx.String("comp", "notify")), a.bus)
	a.ops = ops.New(rt.Ops, a, a.log.With(logx.String("comp", "ops")))
	return nil
}

func (a *App) closeStores() {
	if a.closeQueue != nil {
		if err := a.closeQueue(); err != nil {
			a.log.Warn("queue close failed", logx.Err(err))
		}
		a.closeQueue = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.db = nil
	}
}

// Close releases stores and logs for an App that was never started.
func (a *App) Close() error {
	a.closeStores()
	if a.client != nil {
		a.client.CloseIdle()
	}
	return a.logs.Close()
}

func (a *App) Logger() logx.Logger { return a.log }

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
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Reloads are validated before commit. A Telegram sink that cannot be
	// built keeps the previous config in place.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		rt, err := cfg.Resolve()
		if err != nil {
			return err
		}
		if rt.Notify.Enabled && rt.Notify.Telegram.Enabled {
			if _, err := notify.NewTelegramSink(rt.Notify.Telegram); err != nil {
				return fmt.Errorf("notify.telegram: %w", err)
			}
		}
		return nil
	})

	if a.rt.Notify.Enabled {
		a.notif.Start(a.sup.Context())
	}

	// A pool run ends with ErrPoolFailed once an executor spends its restart
	// budget. The app restarts the pool a bounded number of times, then the
	// fatal error cancels the supervisor and serve exits non-zero.
	a.sup.GoRestart("worker.pool", a.pool.Run,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithMaxRestarts(a.rt.PoolRestarts),
		rtsup.WithFatalOnFinalError(true),
	)

	if a.rt.Ops.Enabled {
		a.ops.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd()
	a.log.Info("app started",
		logx.String("backend", a.rt.Backend),
		logx.Int("concurrency", a.rt.Worker.Concurrency),
		logx.Bool("ops", a.rt.Ops.Enabled),
		logx.Bool("notify", a.rt.Notify.Enabled),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, sdStopping)

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// In-flight jobs see the canceled context and fail fast. Ack, Fail and the
	// follow-up enqueue run detached, so the pool still needs the largest slice.
	a.step(ctx, "worker.pool", 10*time.Second, func(c context.Context) error { a.pool.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		a.closeStores()
		a.client.CloseIdle()
		return nil
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. A step that overruns is logged when it finally ends.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = max(rem, 0)
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
			logx.Duration("elapsed", time.Since(start)),
		)
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
