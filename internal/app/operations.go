package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fetchsched/internal/fetch"
	"fetchsched/internal/notify"
	"fetchsched/internal/queue"
	rtsup "fetchsched/internal/runtime/supervisor"
	"fetchsched/internal/storage"
	"fetchsched/internal/worker"
)

// statusDeadLimit caps the dead jobs listed by /status.
const statusDeadLimit = 20

// Status is the /status payload.
type Status struct {
	Backend    string               `json:"backend"`
	Storage    string               `json:"storage"`
	Pool       worker.Snapshot      `json:"pool"`
	Supervisor rtsup.Snapshot       `json:"supervisor"`
	Dead       []queue.Job          `json:"dead"`
	DeadError  string               `json:"dead_error,omitempty"`
	Notify     []notify.HistoryItem `json:"notify,omitempty"`
}

// Health fails when storage is unreachable or a started app has no running pool.
func (a *App) Health(ctx context.Context) error {
	if a.db == nil {
		return errors.New("storage closed")
	}
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if a.sup != nil && a.sup.Context().Err() == nil && !a.pool.Snapshot().Running {
		return errors.New("worker pool not running")
	}
	return nil
}

func (a *App) Status(ctx context.Context) any {
	st := Status{
		Backend:    a.rt.Backend,
		Pool:       a.pool.Snapshot(),
		Supervisor: a.sup.Snapshot(),
		Notify:     a.notif.History(),
	}
	if a.db != nil {
		st.Storage = a.db.Driver()
	}
	dead, err := a.queue.List(ctx, queue.Filter{Status: queue.StatusDead, Limit: statusDeadLimit})
	if err != nil {
		st.DeadError = err.Error()
	}
	st.Dead = dead
	return st
}

// Enqueue schedules one execution of a definition at runAt. The definition
// must exist; it does not need to be active.
func (a *App) Enqueue(ctx context.Context, fetchID int64, runAt time.Time) (string, error) {
	if _, err := a.db.GetDefinition(ctx, fetchID); err != nil {
		return "", err
	}
	if runAt.IsZero() {
		runAt = time.Now()
	}
	return a.queue.Enqueue(ctx, fetchID, runAt)
}

// RunOnce executes a definition in-process without queueing or rescheduling.
func (a *App) RunOnce(ctx context.Context, fetchID int64) (fetch.Result, error) {
	return a.pipe.RunOnce(ctx, fetchID)
}

func (a *App) Jobs(ctx context.Context, f queue.Filter) ([]queue.Job, error) {
	return a.queue.List(ctx, f)
}

// Requeue moves a dead job back to pending, due now.
func (a *App) Requeue(ctx context.Context, id string) error {
	return a.queue.Requeue(ctx, id, time.Now())
}

// History lists archived execution records, newest first.
func (a *App) History(ctx context.Context, fetchID int64, limit int) ([]fetch.ExecutionRecord, error) {
	return a.db.ListExecutions(ctx, fetchID, limit)
}

// Seed upserts the rows of a seed file into storage.
func (a *App) Seed(ctx context.Context, path string) error {
	s, err := storage.LoadSeed(path)
	if err != nil {
		return err
	}
	return a.db.ApplySeed(ctx, s)
}
