// Package queuetest holds the behaviour every queue.Backend must share.
// Backend packages call Run from their own tests.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fetchsched/internal/queue"
)

// Factory returns a fresh, empty backend using p.
type Factory func(t *testing.T, p queue.Policy) queue.Backend

// Policy is the retry policy handed to factories: ten attempts and
// millisecond backoff so tests can walk a job to dead quickly.
var Policy = queue.Policy{MaxAttempts: 10, RetryBase: time.Millisecond, RetryMaxDelay: 10 * time.Millisecond, Jitter: -1}

// Base is a millisecond-aligned reference time.
var Base = time.UnixMilli(1_700_000_000_000)

// Run executes the shared suite against newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, q queue.Backend)
	}{
		{"LeaseRespectsRunAt", testLeaseRespectsRunAt},
		{"ExclusiveLease", testExclusiveLease},
		{"ConcurrentDrain", testConcurrentDrain},
		{"DeadAfterMaxAttempts", testDeadAfterMaxAttempts},
		{"PermanentGoesDead", testPermanentGoesDead},
		{"AckTransitions", testAckTransitions},
		{"ReclaimExpired", testReclaimExpired},
		{"StaleLeaseFenced", testStaleLeaseFenced},
		{"PruneFinished", testPruneFinished},
		{"Requeue", testRequeue},
		{"ListFilter", testListFilter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t, Policy))
		})
	}
}

func mustEnqueue(t *testing.T, q queue.Queue, fetchID int64, at time.Time) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), fetchID, at)
	if err != nil {
		t.Fatalf("Enqueue(%d): %v", fetchID, err)
	}
	if id == "" {
		t.Fatalf("Enqueue(%d) returned empty id", fetchID)
	}
	return id
}

func mustGet(t *testing.T, q queue.Admin, id string) queue.Job {
	t.Helper()
	j, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return j
}

func testLeaseRespectsRunAt(t *testing.T, q queue.Backend) {
	ctx := context.Background()
	id := mustEnqueue(t, q, 1, Base)

	j, err := q.LeaseNext(ctx, Base.Add(-time.Second))
	if err != nil || j != nil {
		t.Fatalf("early lease = %v, %v; want nil", j, err)
	}
	j, err = q.LeaseNext(ctx, Base)
	if err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if j == nil || j.ID != id {
		t.Fatalf("leased %v, want %s", j, id)
	}
	if j.Status != queue.StatusLeased || j.Attempts != 1 || j.FetchID != 1 {
		t.Fatalf("unexpected leased job: %+v", j)
	}
	if j.MaxAttempts != 10 {
		t.Fatalf("MaxAttempts = %d, want 10", j.MaxAttempts)
	}
	if again, err := q.LeaseNext(ctx, Base.Add(time.Hour)); err != nil || again != nil {
		t.Fatalf("second lease = %v, %v; want nil", again, err)
	}
}

func testExclusiveLease(t *testing.T, q queue.Backend) {
	mustEnqueue(t, q, 42, Base)

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		got  int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			j, err := q.LeaseNext(context.Background(), Base)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if j != nil {
				got++
			}
		}()
	}
	close(start)
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("lease errors: %v", errs)
	}
	if got != 1 {
		t.Fatalf("%d callers leased the job, want exactly 1", got)
	}
}

func testConcurrentDrain(t *testing.T, q queue.Backend) {
	const jobs = 40
	want := map[string]bool{}
	for i := 0; i < jobs; i++ {
		want[mustEnqueue(t, q, int64(i+1), Base.Add(time.Duration(i)*time.Millisecond))] = true
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.LeaseNext(context.Background(), Base.Add(time.Minute))
				if err != nil {
					t.Errorf("LeaseNext: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
				if err := q.Ack(context.Background(), j.ID, j.Attempts); err != nil {
					t.Errorf("Ack(%s): %v", j.ID, err)
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("leased %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if !want[id] {
			t.Fatalf("leased unknown job %s", id)
		}
		if n != 1 {
			t.Fatalf("job %s leased %d times", id, n)
		}
	}
}

func testDeadAfterMaxAttempts(t *testing.T, q queue.Backend) {
	ctx := context.Background()
	id := mustEnqueue(t, q, 7, Base)
	cause := errors.New("dial tcp: connection refused")

	now := Base
	for attempt := 1; attempt <= 10; attempt++ {
		j, err := q.LeaseNext(ctx, now)
		if err != nil || j == nil {
			t.Fatalf("attempt %d: lease = %v, %v", attempt, j, err)
		}
		if j.Attempts != attempt {
			t.Fatalf("attempt %d: Attempts = %d", attempt, j.Attempts)
		}
		st, err := q.Fail(ctx, id, attempt, cause, now)
		if err != nil {
			t.Fatalf("attempt %d: Fail: %v", attempt, err)
		}
		wantSt := queue.StatusPending
		if attempt == 10 {
			wantSt = queue.StatusDead
		}
		if st != wantSt {
			t.Fatalf("attempt %d: status = %s, want %s", attempt, st, wantSt)
		}
		if st == queue.StatusPending {
			got := mustGet(t, q, id)
			if got.RunAt.Before(now) {
				t.Fatalf("attempt %d: retry run_at %v before now %v", attempt, got.RunAt, now)
			}
			if got.LastError == "" {
				t.Fatalf("attempt %d: LastError not recorded", attempt)
			}
		}
		now = now.Add(time.Hour)
	}

	if j, err := q.LeaseNext(ctx, now.Add(24*time.Hour)); err != nil || j != nil {
		t.Fatalf("dead job leased again: %v, %v", j, err)
	}
	if got := mustGet(t, q, id); got.Status != queue.StatusDead || got.Attempts != 10 {
		t.Fatalf("final job = %+v", got)
	}
}

func testPermanentGoesDead(t *testing.T, q queue.Backend) {
	ctx := context.Background()
	id := mustEnqueue(t, q, 9, Base)
	if _, err := q.LeaseNext(ctx, Base); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	st, err := q.Fail(ctx, id, 1, queue.Permanent(fmt.Errorf("definition gone")), Base)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if st != queue.StatusDead {
		t.Fatalf("status = %s, want dead", st)
	}
}

func testAckTransitions(t *testing.T, q queue.Backend) {
	ctx := context.Background()
	id := mustEnqueue(t, q, 3, Base)

	if err := q.Ack(ctx, id, 0); !errors.Is(err, queue.ErrNotLeased) {
		t.Fatalf("Ack pending = %v, want ErrNotLeased", err)
	}
	if _, err := q.LeaseNext(ctx, Base); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if err := q.Ack(ctx, id, 1); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if got := mustGet(t, q, id); got.Status != queue.StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if err := q.Ack(ctx, id, 1); !errors.Is(err, queue.ErrNotLeased) {
		t.Fatalf("second Ack = %v, want ErrNotLeased", err)
	}
	if _, err := q.Fail(ctx, id, 1, errors.New("x"), Base); !errors.Is(err, queue.ErrNotLeased) {
		t.Fatalf("Fail after done = %v, want ErrNotLeased", err)
	}
	if err := q.Ack(ctx, "missing", 1); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("Ack missing = %v, want ErrNotFound", err)
	}
	if _, err := q.Get(ctx, "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func testReclaimExpired(t *testing.T, q queue.Backend) {
	ctx := context.Background()
	id := mustEnqueue(t, q, 5, Base)
	if _, err := q.LeaseNext(ctx, Base); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}

	n, err := q.ReclaimExpired(ctx, Base.Add(time.Minute), 10*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("early reclaim = %d, %v", n, err)
	}
	n, err = q.ReclaimExpired(ctx, Base.Add(11*time.Minute), 10*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("reclaim = %d, %v; want 1", n, err)
	}
	got := mustGet(t, q, id)
	if got.Status != queue.StatusPending || got.LastError != queue.LeaseExpiredError {
		t.Fatalf("reclaimed job = %+v", got)
	}
	j, err := q.LeaseNext(ctx, Base.Add(11*time.Minute))
	if err != nil || j == nil || j.Attempts != 2 {
		t.Fatalf("re-lease = %+v, %v", j, err)
	}
}

// testStaleLeaseFenced covers an executor that outlives its lease: once the
// job is reclaimed and leased again, the first holder can no longer finish it.
func testStaleLeaseFenced(t *testing.T, q queue.Backend) {
	ctx := context.Background()
	id := mustEnqueue(t, q, 13, Base)
	first, err := q.LeaseNext(ctx, Base)
	if err != nil || first == nil {
		t.Fatalf("first lease = %v, %v", first, err)
	}

	later := Base.Add(11 * time.Minute)
	if n, err := q.ReclaimExpired(ctx, later, 10*time.Minute); err != nil || n != 1 {
		t.Fatalf("reclaim = %d, %v; want 1", n, err)
	}
	second, err := q.LeaseNext(ctx, later)
	if err != nil || second == nil || second.ID != id {
		t.Fatalf("second lease = %v, %v", second, err)
	}
	if second.Attempts != first.Attempts+1 {
		t.Fatalf("attempts = %d after %d", second.Attempts, first.Attempts)
	}

	if err := q.Ack(ctx, id, first.Attempts); !errors.Is(err, queue.ErrNotLeased) {
		t.Fatalf("stale Ack = %v, want ErrNotLeased", err)
	}
	if _, err := q.Fail(ctx, id, first.Attempts, errors.New("late"), later); !errors.Is(err, queue.ErrNotLeased) {
		t.Fatalf("stale Fail = %v, want ErrNotLeased", err)
	}
	if got := mustGet(t, q, id); got.Status != queue.StatusLeased || got.Attempts != second.Attempts {
		t.Fatalf("job after stale calls = %+v", got)
	}

	if n, err := q.ReclaimExpired(ctx, later.Add(time.Minute), 10*time.Minute); err != nil || n != 0 {
		t.Fatalf("reclaim of fresh lease = %d, %v; want 0", n, err)
	}
	if err := q.Ack(ctx, id, second.Attempts); err != nil {
		t.Fatalf("Ack current lease: %v", err)
	}
	if got := mustGet(t, q, id); got.Status != queue.StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
}

func testPruneFinished(t *testing.T, q queue.Backend) {
	pr, ok := q.(queue.Pruner)
	if !ok {
		t.Skip("backend keeps finished jobs")
	}
	ctx := context.Background()
	done := mustEnqueue(t, q, 1, Base)
	dead := mustEnqueue(t, q, 2, Base.Add(time.Second))
	revived := mustEnqueue(t, q, 3, Base.Add(2*time.Second))
	keep := mustEnqueue(t, q, 4, Base.Add(time.Hour))

	if j, err := q.LeaseNext(ctx, Base); err != nil || j == nil || j.ID != done {
		t.Fatalf("lease done = %v, %v", j, err)
	}
	if err := q.Ack(ctx, done, 1); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	for _, id := range []string{dead, revived} {
		j, err := q.LeaseNext(ctx, Base.Add(2*time.Second))
		if err != nil || j == nil || j.ID != id {
			t.Fatalf("lease %s = %v, %v", id, j, err)
		}
		if _, err := q.Fail(ctx, id, 1, queue.Permanent(errors.New("gone")), Base); err != nil {
			t.Fatalf("Fail(%s): %v", id, err)
		}
	}
	if err := q.Requeue(ctx, revived, Base.Add(2*time.Hour)); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	if n, err := pr.PruneFinished(ctx, Base.Add(-time.Hour)); err != nil || n != 0 {
		t.Fatalf("early prune = %d, %v; want 0", n, err)
	}
	n, err := pr.PruneFinished(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("prune = %d, %v; want 2", n, err)
	}
	for _, id := range []string{done, dead} {
		if _, err := q.Get(ctx, id); !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("Get(%s) after prune = %v, want ErrNotFound", id, err)
		}
	}
	mustGet(t, q, revived)
	mustGet(t, q, keep)
	all, err := q.List(ctx, queue.Filter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("List after prune = %d, %v; want 2", len(all), err)
	}
}

func testRequeue(t *testing.T, q queue.Backend) {
	ctx := context.Background()
	id := mustEnqueue(t, q, 11, Base)

	if err := q.Requeue(ctx, id, Base); !errors.Is(err, queue.ErrNotDead) {
		t.Fatalf("Requeue pending = %v, want ErrNotDead", err)
	}
	if _, err := q.LeaseNext(ctx, Base); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}
	if _, err := q.Fail(ctx, id, 1, queue.Permanent(errors.New("boom")), Base); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	at := Base.Add(time.Hour)
	if err := q.Requeue(ctx, id, at); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got := mustGet(t, q, id)
	if got.Status != queue.StatusPending || got.Attempts != 0 || !got.RunAt.Equal(at) {
		t.Fatalf("requeued job = %+v", got)
	}
	if err := q.Requeue(ctx, "missing", at); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("Requeue missing = %v, want ErrNotFound", err)
	}
}

func testListFilter(t *testing.T, q queue.Backend) {
	ctx := context.Background()
	a := mustEnqueue(t, q, 100, Base)
	mustEnqueue(t, q, 100, Base.Add(time.Second))
	mustEnqueue(t, q, 200, Base.Add(2*time.Second))
	if _, err := q.LeaseNext(ctx, Base); err != nil {
		t.Fatalf("LeaseNext: %v", err)
	}

	all, err := q.List(ctx, queue.Filter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("List all = %d, %v", len(all), err)
	}
	if !all[0].RunAt.Before(all[1].RunAt) || !all[1].RunAt.Before(all[2].RunAt) {
		t.Fatalf("List not ordered by run_at: %+v", all)
	}

	byFetch, err := q.List(ctx, queue.Filter{FetchID: 100})
	if err != nil || len(byFetch) != 2 {
		t.Fatalf("List fetch=100 = %d, %v", len(byFetch), err)
	}
	leased, err := q.List(ctx, queue.Filter{Status: queue.StatusLeased})
	if err != nil || len(leased) != 1 || leased[0].ID != a {
		t.Fatalf("List leased = %+v, %v", leased, err)
	}
	limited, err := q.List(ctx, queue.Filter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("List limit=1 = %d, %v", len(limited), err)
	}
}
