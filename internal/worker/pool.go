// Package worker runs the executor pool that drains the job queue.
//
// Each executor loops: lease one due job, run it through the Executor under a
// timeout, then ack or fail it. Executors are supervised and restarted on
// panic; a separate reaper releases stuck leases and prunes finished jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fetchsched/internal/eventbus"
	"fetchsched/internal/queue"
	rtsup "fetchsched/internal/runtime/supervisor"
	logx "fetchsched/pkg/logx"
)

// ErrPoolFailed is wrapped by Run when executors exhaust their restart budget.
var ErrPoolFailed = errors.New("worker pool failed")

// leaseErrorLimit consecutive lease failures make an executor exit so the
// supervisor restart budget applies.
const leaseErrorLimit = 10

type Pool struct {
	mu   sync.Mutex
	cfg  Config
	q    queue.Queue
	exec Executor
	log  logx.Logger
	bus  eventbus.Bus

	base     context.Context
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	failures chan error

	// restartMin overrides the supervisor's restart backoff floor.
	restartMin time.Duration

	inFlight         atomic.Int32
	leased           atomic.Uint64
	acked            atomic.Uint64
	skipped          atomic.Uint64
	retried          atomic.Uint64
	dead             atomic.Uint64
	rescheduleFailed atomic.Uint64
	reclaimed        atomic.Uint64
	runs             atomic.Uint64
	failedRuns       atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, q queue.Queue, exec Executor, log logx.Logger, bus eventbus.Bus) *Pool {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		q:        q,
		exec:     exec,
		log:      log.With(logx.String("comp", "worker")),
		bus:      bus,
		failures: make(chan error, 1),
	}
}

func (p *Pool) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Supervisor returns the current run's supervisor, nil when stopped.
func (p *Pool) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

// Run starts the pool and blocks until ctx is done or a run fails. It always
// stops the pool before returning.
func (p *Pool) Run(ctx context.Context) error {
	// Drop a failure left over from an earlier Run.
	select {
	case <-p.failures:
	default:
	}
	p.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.Stop(stopCtx)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.failures:
		return err
	}
}

// Start is idempotent. ctx bounds every run, including restarts from Apply.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	p.base = ctx
	if p.stopCh != nil {
		done := p.stopDone
		p.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		if p.stopCh != nil {
			p.mu.Unlock()
			return
		}
	}

	cfg := p.cfg
	p.stopCh = make(chan struct{})
	p.stopDone = nil
	stopCh := p.stopCh

	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		// One executor giving up takes the whole run down.
		rtsup.WithCancelOnError(true),
	)
	sup := p.sup
	restartMin := p.restartMin
	p.mu.Unlock()

	p.runs.Add(1)

	ropts := []rtsup.RestartOption{
		rtsup.WithMaxRestarts(cfg.MaxRestarts),
		rtsup.WithFatalOnFinalError(true),
		rtsup.WithPublishFirstError(true),
	}
	if restartMin > 0 {
		ropts = append(ropts, rtsup.WithRestartBackoff(restartMin, restartMin*4))
	}

	for i := 0; i < cfg.Concurrency; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("executor.%d", idx), func(c context.Context) error {
			err := p.executor(c, stopCh, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			if err == nil {
				err = errors.New("executor exited unexpectedly")
			}
			return err
		}, ropts...)
	}

	sup.GoRestart("reaper", func(c context.Context) error {
		p.reaper(c, stopCh)
		return c.Err()
	}, rtsup.WithPublishFirstError(true))

	go p.watch(ctx, sup, stopCh)

	p.log.Info("worker pool started", logx.Int("concurrency", cfg.Concurrency), logx.Duration("poll", cfg.PollInterval))
}

// watch reports a run that ended without Stop being called.
func (p *Pool) watch(base context.Context, sup *rtsup.Supervisor, stopCh chan struct{}) {
	<-sup.Context().Done()
	select {
	case <-stopCh:
		return
	default:
	}
	if base.Err() != nil {
		return
	}
	err := sup.Err()
	if err == nil {
		err = sup.Context().Err()
	}
	p.failedRuns.Add(1)
	p.log.Error("worker pool failed", logx.Err(err))
	p.bus.Publish(eventbus.Event{Type: eventbus.PoolFailed, Time: time.Now(), Data: err.Error()})
	select {
	case p.failures <- fmt.Errorf("%w: %w", ErrPoolFailed, err):
	default:
	}
}

// Stop is idempotent and waits for executors until ctx is done.
func (p *Pool) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	close(p.stopCh)
	sup := p.sup
	done := make(chan struct{})
	p.stopDone = done
	p.mu.Unlock()

	go func() {
		if sup != nil {
			_ = sup.Stop(context.Background())
		}
		p.mu.Lock()
		p.stopCh = nil
		p.sup = nil
		p.stopDone = nil
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-ctx.Done():
		p.log.Warn("worker pool stop timed out", logx.Int("in_flight", int(p.inFlight.Load())))
	}
}

// Apply swaps the config. Concurrency or poll interval changes restart the
// executors of a running pool; other fields take effect on the next job.
func (p *Pool) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	running := p.stopCh != nil && p.stopDone == nil
	base := p.base
	p.mu.Unlock()

	if !running {
		return
	}
	if prev.Concurrency != cfg.Concurrency || prev.PollInterval != cfg.PollInterval || prev.MaxRestarts != cfg.MaxRestarts {
		p.log.Info("worker pool restarting", logx.Int("concurrency", cfg.Concurrency), logx.Duration("poll", cfg.PollInterval))
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		p.Stop(stopCtx)
		cancel()
		p.Start(base)
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	running := p.stopCh != nil && p.stopDone == nil
	sup := p.sup
	p.mu.Unlock()

	s := Snapshot{
		Running:          running,
		Concurrency:      cfg.Concurrency,
		PollInterval:     cfg.PollInterval,
		JobTimeout:       cfg.JobTimeout,
		InFlight:         int(p.inFlight.Load()),
		Leased:           p.leased.Load(),
		Acked:            p.acked.Load(),
		Skipped:          p.skipped.Load(),
		Retried:          p.retried.Load(),
		Dead:             p.dead.Load(),
		RescheduleFailed: p.rescheduleFailed.Load(),
		Reclaimed:        p.reclaimed.Load(),
		Runs:             p.runs.Load(),
		FailedRuns:       p.failedRuns.Load(),
	}
	if sup != nil {
		s.Supervisor = sup.Snapshot()
	}
	p.hmu.Lock()
	s.History = append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()
	return s
}

func (p *Pool) record(item HistoryItem) {
	size := p.config().HistorySize
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = p.history[len(p.history)-size:]
	}
	p.hmu.Unlock()
}

func wait(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}
