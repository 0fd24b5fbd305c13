// Package queue defines the durable job queue that drives fetch executions.
//
// A job moves pending -> leased -> done, back to pending for a retry, or to
// dead once its attempt budget is spent. Leasing is a single atomic claim in
// every backend so two executors never hold the same job.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusLeased  Status = "leased"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLeased, StatusDone, StatusDead:
		return true
	}
	return false
}

// DefaultMaxAttempts is the per-job attempt budget when none is configured.
const DefaultMaxAttempts = 10

// Job is one queued execution of a fetch definition.
type Job struct {
	ID          string    `json:"id"`
	FetchID     int64     `json:"fetch_id"`
	RunAt       time.Time `json:"run_at"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	LeasedAt    time.Time `json:"leased_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Queue is the contract executors and the pipeline depend on.
type Queue interface {
	// Enqueue inserts a pending job and returns its id.
	Enqueue(ctx context.Context, fetchID int64, runAt time.Time) (string, error)
	// LeaseNext claims one due pending job, increments its attempts and
	// returns it. It returns nil, nil when nothing is due.
	LeaseNext(ctx context.Context, now time.Time) (*Job, error)
	// Ack marks a leased job done. attempt is Job.Attempts as returned by
	// LeaseNext; once the lease was reclaimed or re-leased the attempt no
	// longer matches and Ack returns ErrNotLeased.
	Ack(ctx context.Context, id string, attempt int) error
	// Fail returns a leased job to pending with a backed-off run_at, or marks
	// it dead when the budget is spent or cause is Permanent. attempt fences
	// the call the same way as for Ack.
	Fail(ctx context.Context, id string, attempt int, cause error, now time.Time) (Status, error)
}

// Reclaimer releases leases held longer than timeout, e.g. by a crashed process.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
}

// Pruner deletes finished (done or dead) jobs last updated before cutoff.
type Pruner interface {
	PruneFinished(ctx context.Context, cutoff time.Time) (int, error)
}

// Filter narrows Admin.List. Zero values match everything.
type Filter struct {
	Status  Status
	FetchID int64
	Limit   int
}

// DefaultListLimit caps List when Filter.Limit is unset.
const DefaultListLimit = 100

// EffectiveLimit returns Limit, or DefaultListLimit when unset.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Admin is the operator surface used by the CLI and /status.
type Admin interface {
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, f Filter) ([]Job, error)
	// Requeue moves a dead job back to pending with attempts reset.
	Requeue(ctx context.Context, id string, runAt time.Time) error
}

// Backend is what every concrete queue implements.
type Backend interface {
	Queue
	Reclaimer
	Admin
}

// NewID returns a time-ordered job id.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
