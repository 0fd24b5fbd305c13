package worker

import (
	"context"
	"time"

	"fetchsched/internal/fetch"
	"fetchsched/internal/queue"
	rtsup "fetchsched/internal/runtime/supervisor"
)

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// JobTimeout bounds one execution; <=0 disables.
	JobTimeout time.Duration
	// LeaseTimeout and ReapInterval drive the reaper that releases stuck
	// leases. LeaseTimeout <=0 disables reclaiming.
	LeaseTimeout time.Duration
	ReapInterval time.Duration
	// Retention prunes done/dead jobs older than this; <=0 keeps them.
	Retention   time.Duration
	HistorySize int
	// MaxRestarts is each executor's restart budget. Exceeding it fails the
	// whole run, which the caller of Run sees as an error.
	MaxRestarts int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	return c
}

// Executor runs one leased job. *fetch.Pipeline implements it.
type Executor interface {
	Execute(ctx context.Context, job queue.Job) (fetch.Result, error)
}

// HistoryItem is one finished execution, newest last.
type HistoryItem struct {
	JobID    string        `json:"job_id"`
	FetchID  int64         `json:"fetch_id"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Status   int           `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Outcomes recorded in HistoryItem.
const (
	OutcomeDone             = "done"
	OutcomeSkipped          = "skipped"
	OutcomeRetry            = "retry"
	OutcomeDead             = "dead"
	OutcomeRescheduleFailed = "reschedule_failed"
	OutcomeUnrecorded       = "unrecorded"
)

type Snapshot struct {
	Running          bool           `json:"running"`
	Concurrency      int            `json:"concurrency"`
	PollInterval     time.Duration  `json:"poll_interval"`
	JobTimeout       time.Duration  `json:"job_timeout"`
	InFlight         int            `json:"in_flight"`
	Leased           uint64         `json:"leased"`
	Acked            uint64         `json:"acked"`
	Skipped          uint64         `json:"skipped"`
	Retried          uint64         `json:"retried"`
	Dead             uint64         `json:"dead"`
	RescheduleFailed uint64         `json:"reschedule_failed"`
	Reclaimed        uint64         `json:"reclaimed"`
	Runs             uint64         `json:"runs"`
	FailedRuns       uint64         `json:"failed_runs"`
	History          []HistoryItem  `json:"history"`
	Supervisor       rtsup.Snapshot `json:"supervisor"`
}
