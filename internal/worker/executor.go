package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"fetchsched/internal/eventbus"
	"fetchsched/internal/fetch"
	"fetchsched/internal/queue"
	logx "fetchsched/pkg/logx"
)

// finishTimeout bounds Ack/Fail after a job ran. They use a context detached
// from shutdown so an interrupted job is still recorded.
const finishTimeout = 10 * time.Second

func (p *Pool) executor(ctx context.Context, stopCh <-chan struct{}, idx int) error {
	log := p.log.With(logx.Int("executor", idx))
	leaseErrs := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		default:
		}

		cfg := p.config()
		job, err := p.q.LeaseNext(ctx, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			leaseErrs++
			log.Warn("job.lease_failed", logx.Int("consecutive", leaseErrs), logx.Err(err))
			if leaseErrs >= leaseErrorLimit {
				return fmt.Errorf("lease: %w", err)
			}
			if !wait(ctx, stopCh, cfg.PollInterval) {
				return nil
			}
			continue
		}
		leaseErrs = 0
		if job == nil {
			if !wait(ctx, stopCh, cfg.PollInterval) {
				return nil
			}
			continue
		}

		p.inFlight.Add(1)
		p.handle(ctx, log, cfg, *job)
		p.inFlight.Add(-1)
	}
}

func (p *Pool) handle(ctx context.Context, log logx.Logger, cfg Config, job queue.Job) {
	start := time.Now()
	p.leased.Add(1)
	log = log.With(logx.String("job_id", job.ID), logx.Int64("fetch_id", job.FetchID), logx.Int("attempt", job.Attempts))
	log.Debug("job.leased")
	p.bus.Publish(eventbus.Event{Type: eventbus.JobLeased, Time: start, Data: eventbus.JobEvent{JobID: job.ID, FetchID: job.FetchID, Attempts: job.Attempts}})

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.JobTimeout)
	}
	res, err := p.safeExecute(runCtx, log, job)
	if cancel != nil {
		cancel()
	}
	dur := time.Since(start)

	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer finCancel()

	item := HistoryItem{JobID: job.ID, FetchID: job.FetchID, Attempt: job.Attempts, Started: start, Duration: dur, Status: res.StatusCode}
	ev := eventbus.JobEvent{JobID: job.ID, FetchID: job.FetchID, Attempts: job.Attempts, Duration: dur, NextRun: res.NextRun}

	switch {
	case err == nil:
		item.Outcome = OutcomeDone
		if res.Skipped {
			item.Outcome = OutcomeSkipped
		}
		if aerr := p.q.Ack(finCtx, job.ID, job.Attempts); aerr != nil {
			item.Outcome = OutcomeUnrecorded
			item.Error = aerr.Error()
			log.Error("job.ack_failed", logx.Err(aerr))
			break
		}
		if res.Skipped {
			p.skipped.Add(1)
		} else {
			p.acked.Add(1)
		}
		log.Debug("job.done", logx.Duration("took", dur))
		p.bus.Publish(eventbus.Event{Type: eventbus.JobDone, Data: ev})

	case fetch.IsKind(err, fetch.KindReschedule):
		// The record is archived; retrying would archive it twice.
		item.Outcome = OutcomeRescheduleFailed
		item.Error = err.Error()
		if aerr := p.q.Ack(finCtx, job.ID, job.Attempts); aerr != nil {
			log.Error("job.ack_failed", logx.Err(aerr))
		}
		p.rescheduleFailed.Add(1)
		log.Error("job.reschedule_failed", logx.Err(err))
		ev.Error = err.Error()
		p.bus.Publish(eventbus.Event{Type: eventbus.JobRescheduleFailed, Data: ev})

	default:
		item.Error = err.Error()
		ev.Error = queue.ErrorText(err)
		st, ferr := p.q.Fail(finCtx, job.ID, job.Attempts, err, time.Now())
		if ferr != nil {
			item.Outcome = OutcomeUnrecorded
			log.Error("job.fail_failed", logx.Err(ferr), logx.String("cause", err.Error()))
			break
		}
		if st == queue.StatusDead {
			item.Outcome = OutcomeDead
			p.dead.Add(1)
			log.Error("job.dead", logx.Err(err))
			p.bus.Publish(eventbus.Event{Type: eventbus.JobDead, Data: ev})
		} else {
			item.Outcome = OutcomeRetry
			p.retried.Add(1)
			log.Warn("job.retry", logx.Err(err))
			p.bus.Publish(eventbus.Event{Type: eventbus.JobRetry, Data: ev})
		}
	}
	p.record(item)
}

// safeExecute turns an executor panic into an error so the job is failed
// instead of stranded in the leased state.
func (p *Pool) safeExecute(ctx context.Context, log logx.Logger, job queue.Job) (res fetch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return p.exec.Execute(ctx, job)
}

func (p *Pool) reaper(ctx context.Context, stopCh <-chan struct{}) {
	for {
		cfg := p.config()
		if !wait(ctx, stopCh, cfg.ReapInterval) {
			return
		}
		p.reap(ctx, cfg)
	}
}

func (p *Pool) reap(ctx context.Context, cfg Config) {
	now := time.Now()
	if r, ok := p.q.(queue.Reclaimer); ok && cfg.LeaseTimeout > 0 {
		n, err := r.ReclaimExpired(ctx, now, cfg.LeaseTimeout)
		switch {
		case err != nil:
			p.log.Warn("job.reclaim_failed", logx.Err(err))
		case n > 0:
			p.reclaimed.Add(uint64(n))
			p.log.Warn("job.reclaimed", logx.Int("count", n), logx.Duration("lease_timeout", cfg.LeaseTimeout))
		}
	}
	if pr, ok := p.q.(queue.Pruner); ok && cfg.Retention > 0 {
		n, err := pr.PruneFinished(ctx, now.Add(-cfg.Retention))
		switch {
		case err != nil:
			p.log.Warn("job.prune_failed", logx.Err(err))
		case n > 0:
			p.log.Info("job.pruned", logx.Int("count", n))
		}
	}
}
