package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Backend. Jobs are lost on restart.
type Memory struct {
	policy Policy

	mu   sync.Mutex
	jobs map[string]*Job
}

var (
	_ Backend = (*Memory)(nil)
	_ Pruner  = (*Memory)(nil)
)

func NewMemory(p Policy) *Memory {
	return &Memory{policy: p.withDefaults(), jobs: map[string]*Job{}}
}

func (m *Memory) Enqueue(ctx context.Context, fetchID int64, runAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := time.Now()
	j := &Job{
		ID:          NewID(),
		FetchID:     fetchID,
		RunAt:       runAt,
		Status:      StatusPending,
		MaxAttempts: m.policy.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()
	return j.ID, nil
}

func (m *Memory) LeaseNext(ctx context.Context, now time.Time) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var pick *Job
	for _, j := range m.jobs {
		if j.Status != StatusPending || j.RunAt.After(now) {
			continue
		}
		if pick == nil || j.RunAt.Before(pick.RunAt) || (j.RunAt.Equal(pick.RunAt) && j.ID < pick.ID) {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.Status = StatusLeased
	pick.Attempts++
	pick.LeasedAt = now
	pick.UpdatedAt = now
	cp := *pick
	return &cp, nil
}

func (m *Memory) Ack(ctx context.Context, id string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusLeased || j.Attempts != attempt {
		return ErrNotLeased
	}
	j.Status = StatusDone
	j.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Fail(ctx context.Context, id string, attempt int, cause error, now time.Time) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	if j.Status != StatusLeased || j.Attempts != attempt {
		return j.Status, ErrNotLeased
	}
	st, runAt := m.policy.Next(j.Attempts, j.MaxAttempts, cause, now)
	j.Status = st
	j.RunAt = runAt
	j.LastError = ErrorText(cause)
	j.LeasedAt = time.Time{}
	j.UpdatedAt = now
	return st, nil
}

func (m *Memory) ReclaimExpired(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status != StatusLeased || j.LeasedAt.After(cutoff) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			j.Status = StatusDead
		} else {
			j.Status = StatusPending
			j.RunAt = now
		}
		j.LastError = LeaseExpiredError
		j.LeasedAt = time.Time{}
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Memory) PruneFinished(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if (j.Status == StatusDone || j.Status == StatusDead) && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Get(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]Job, error) {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.FetchID != 0 && j.FetchID != f.FetchID {
			continue
		}
		out = append(out, *j)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].RunAt.Equal(out[k].RunAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].RunAt.Before(out[k].RunAt)
	})
	if lim := f.EffectiveLimit(); len(out) > lim {
		out = out[:lim]
	}
	return out, nil
}

func (m *Memory) Requeue(ctx context.Context, id string, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusDead {
		return ErrNotDead
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.RunAt = runAt
	j.LastError = ""
	j.UpdatedAt = time.Now()
	return nil
}
