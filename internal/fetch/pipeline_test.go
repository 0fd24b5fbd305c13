package fetch_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fetchsched/internal/fetch"
	"fetchsched/internal/fetch/httpclient"
	"fetchsched/internal/queue"
	"fetchsched/internal/schedule"
)

// memStore implements every collaborator store in memory.
type memStore struct {
	mu         sync.Mutex
	defs       map[int64]fetch.Definition
	headers    map[int64]fetch.HeaderSet
	specs      map[int64]schedule.Spec
	records    []fetch.ExecutionRecord
	archiveErr error
}

func newMemStore() *memStore {
	return &memStore{
		defs:    map[int64]fetch.Definition{},
		headers: map[int64]fetch.HeaderSet{},
		specs:   map[int64]schedule.Spec{},
	}
}

func (s *memStore) GetDefinition(ctx context.Context, id int64) (fetch.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return fetch.Definition{}, fetch.ErrNotFound
	}
	return d, nil
}

func (s *memStore) UpdateCurrentJob(ctx context.Context, id int64, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return fetch.ErrNotFound
	}
	d.CurrentJobID = jobID
	s.defs[id] = d
	return nil
}

func (s *memStore) GetHeaderSet(ctx context.Context, id int64) (fetch.HeaderSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.headers[id]
	if !ok {
		return fetch.HeaderSet{}, fetch.ErrNotFound
	}
	return h, nil
}

func (s *memStore) GetSchedule(ctx context.Context, id int64) (schedule.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.specs[id]
	if !ok {
		return schedule.Spec{}, fetch.ErrNotFound
	}
	return sp, nil
}

func (s *memStore) AppendExecution(ctx context.Context, rec fetch.ExecutionRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archiveErr != nil {
		return 0, s.archiveErr
	}
	s.records = append(s.records, rec)
	return int64(len(s.records)), nil
}

func (s *memStore) recordsCopy() []fetch.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fetch.ExecutionRecord(nil), s.records...)
}

type failingEnqueue struct{ queue.Queue }

func (failingEnqueue) Enqueue(context.Context, int64, time.Time) (string, error) {
	return "", errors.New("queue unavailable")
}

type fixture struct {
	store *memStore
	q     *queue.Memory
	p     *fetch.Pipeline
	t0    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), t0: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	f.q = queue.NewMemory(queue.Policy{Jitter: -1})
	p, err := fetch.NewPipeline(fetch.Deps{
		Definitions: f.store,
		Headers:     f.store,
		Schedules:   f.store,
		Archive:     f.store,
		Client:      httpclient.New(httpclient.Config{Timeout: 2 * time.Second}),
		Queue:       f.q,
		Now:         func() time.Time { return f.t0 },
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	f.p = p
	return f
}

func (f *fixture) lease(t *testing.T, fetchID int64) queue.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := f.q.Enqueue(ctx, fetchID, f.t0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := f.q.LeaseNext(ctx, f.t0)
	if err != nil || j == nil {
		t.Fatalf("LeaseNext = %v, %v", j, err)
	}
	return *j
}

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("X-Trace", "a")
		w.Header().Add("X-Trace", "b")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecuteRepeatingChain(t *testing.T) {
	t.Parallel()
	srv := okServer(t)
	f := newFixture(t)
	f.store.defs[1] = fetch.Definition{ID: 1, Name: "ping", URL: srv.URL + "/ping", Method: "GET", ScheduleID: 1, Active: true}
	f.store.specs[1] = schedule.Spec{Repeat: true, Unit: schedule.Minutes, Magnitude: 5}

	job := f.lease(t, 1)
	res, err := f.p.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	recs := f.store.recordsCopy()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.StatusCode != 200 {
		t.Fatalf("status = %d", rec.StatusCode)
	}
	if rec.Response != "{\n  \"ok\": true\n}" {
		t.Fatalf("response = %q", rec.Response)
	}
	if rec.Name != "ping [1-"+job.ID+"]" {
		t.Fatalf("name = %q", rec.Name)
	}
	if rec.ResponseHeaders["x-trace"] != "a, b" || rec.ResponseHeaders["content-type"] != "application/json" {
		t.Fatalf("headers = %v", rec.ResponseHeaders)
	}

	pending, err := f.q.List(context.Background(), queue.Filter{Status: queue.StatusPending, FetchID: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending jobs = %d, want exactly 1", len(pending))
	}
	next := pending[0]
	if !next.RunAt.Equal(f.t0.Add(300 * time.Second)) {
		t.Fatalf("next run_at = %v, want t0+300s", next.RunAt)
	}
	if res.NextJobID != next.ID || !res.NextRun.Equal(next.RunAt) {
		t.Fatalf("result = %+v, next = %+v", res, next)
	}
	if got := f.store.defs[1].CurrentJobID; got != next.ID {
		t.Fatalf("current_job_id = %q, want %q", got, next.ID)
	}
}

func TestExecuteNonRepeating(t *testing.T) {
	t.Parallel()
	srv := okServer(t)
	f := newFixture(t)
	f.store.defs[2] = fetch.Definition{ID: 2, Name: "once", URL: srv.URL, ScheduleID: 2, CurrentJobID: "prior", Active: true}
	f.store.specs[2] = schedule.Spec{}

	job := f.lease(t, 2)
	res, err := f.p.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.NextJobID != "" {
		t.Fatalf("unexpected follow-up job %s", res.NextJobID)
	}
	all, _ := f.q.List(context.Background(), queue.Filter{FetchID: 2})
	if len(all) != 1 {
		t.Fatalf("jobs for fetch 2 = %d, want 1", len(all))
	}
	if got := f.store.defs[2].CurrentJobID; got != "prior" {
		t.Fatalf("current_job_id changed to %q", got)
	}
}

func TestExecuteUnreachableHostRetriesToDead(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := newFixture(t)
	f.store.defs[3] = fetch.Definition{ID: 3, Name: "down", URL: url, ScheduleID: 3, Active: true}
	f.store.specs[3] = schedule.Spec{Repeat: true, Unit: schedule.Seconds, Magnitude: 10}

	ctx := context.Background()
	id, err := f.q.Enqueue(ctx, 3, f.t0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	now := f.t0
	for attempt := 1; attempt <= 10; attempt++ {
		j, err := f.q.LeaseNext(ctx, now)
		if err != nil || j == nil {
			t.Fatalf("attempt %d: lease = %v, %v", attempt, j, err)
		}
		_, execErr := f.p.Execute(ctx, *j)
		if !fetch.IsKind(execErr, fetch.KindTransport) {
			t.Fatalf("attempt %d: err = %v, want transport", attempt, execErr)
		}
		st, err := f.q.Fail(ctx, id, j.Attempts, execErr, now)
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if attempt == 1 {
			got, _ := f.q.Get(ctx, id)
			if got.Status != queue.StatusPending || got.Attempts != 1 {
				t.Fatalf("after first failure: %+v", got)
			}
		}
		if attempt == 10 && st != queue.StatusDead {
			t.Fatalf("after 10 failures status = %s", st)
		}
		now = now.Add(time.Hour)
	}
	if recs := f.store.recordsCopy(); len(recs) != 0 {
		t.Fatalf("archived %d records for failed attempts", len(recs))
	}
}

func TestExecuteMissingDefinitionIsPermanent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	job := f.lease(t, 404)

	_, err := f.p.Execute(context.Background(), job)
	if !fetch.IsKind(err, fetch.KindNotFound) || !queue.IsPermanent(err) || !errors.Is(err, fetch.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	st, ferr := f.q.Fail(context.Background(), job.ID, job.Attempts, err, f.t0)
	if ferr != nil || st != queue.StatusDead {
		t.Fatalf("Fail = %s, %v; want dead", st, ferr)
	}
}

func TestExecuteSendsMethodHeadersAndBody(t *testing.T) {
	t.Parallel()
	type seen struct {
		method, auth, body string
	}
	got := make(chan seen, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.Header.Get("Authorization"), string(b)}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("oops"))
	}))
	defer srv.Close()

	hid := int64(9)
	missing := int64(10)
	f := newFixture(t)
	f.store.headers[hid] = fetch.HeaderSet{ID: hid, Name: "auth", Headers: map[string]string{"Authorization": "Bearer abc"}}
	f.store.defs[4] = fetch.Definition{ID: 4, Name: "post", URL: srv.URL, Method: "post", HeaderID: &hid, Payload: `{"x":1}`, ScheduleID: 4, Active: true}
	f.store.defs[5] = fetch.Definition{ID: 5, Name: "nohdr", URL: srv.URL, Method: "TRACE", HeaderID: &missing, ScheduleID: 4, Active: true}
	f.store.specs[4] = schedule.Spec{}

	res, err := f.p.Execute(context.Background(), f.lease(t, 4))
	if err != nil {
		t.Fatalf("Execute post: %v", err)
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("non-2xx must archive as success, got status %d", res.StatusCode)
	}
	s := <-got
	if s.method != http.MethodPost || s.auth != "Bearer abc" || s.body != `{"x":1}` {
		t.Fatalf("request = %+v", s)
	}

	if _, err := f.p.Execute(context.Background(), f.lease(t, 5)); err != nil {
		t.Fatalf("Execute with missing headers: %v", err)
	}
	s = <-got
	if s.method != http.MethodGet || s.auth != "" || s.body != "" {
		t.Fatalf("fallback request = %+v", s)
	}

	recs := f.store.recordsCopy()
	if len(recs) != 2 || recs[0].Response != "oops" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestExecuteArchiveFailureIsStorageError(t *testing.T) {
	t.Parallel()
	srv := okServer(t)
	f := newFixture(t)
	f.store.defs[6] = fetch.Definition{ID: 6, Name: "x", URL: srv.URL, ScheduleID: 6, Active: true}
	f.store.specs[6] = schedule.Spec{Repeat: true, Unit: schedule.Hours, Magnitude: 1}
	f.store.archiveErr = errors.New("disk full")

	_, err := f.p.Execute(context.Background(), f.lease(t, 6))
	if !fetch.IsKind(err, fetch.KindStorage) || queue.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable storage error", err)
	}
	if pending, _ := f.q.List(context.Background(), queue.Filter{Status: queue.StatusPending}); len(pending) != 0 {
		t.Fatalf("rescheduled despite archive failure: %+v", pending)
	}
}

func TestExecuteRescheduleFailureKeepsRecord(t *testing.T) {
	t.Parallel()
	srv := okServer(t)
	f := newFixture(t)
	p, err := fetch.NewPipeline(fetch.Deps{
		Definitions: f.store,
		Headers:     f.store,
		Schedules:   f.store,
		Archive:     f.store,
		Client:      httpclient.New(httpclient.Config{}),
		Queue:       failingEnqueue{f.q},
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	f.store.defs[7] = fetch.Definition{ID: 7, Name: "r", URL: srv.URL, ScheduleID: 7, Active: true}
	f.store.specs[7] = schedule.Spec{Repeat: true, Unit: schedule.Minutes, Magnitude: 1}

	res, err := p.Execute(context.Background(), f.lease(t, 7))
	if !fetch.IsKind(err, fetch.KindReschedule) {
		t.Fatalf("err = %v, want reschedule", err)
	}
	if res.RecordID == 0 || len(f.store.recordsCopy()) != 1 {
		t.Fatalf("record should stay archived: res=%+v", res)
	}
}

func TestExecuteInactiveIsSkipped(t *testing.T) {
	t.Parallel()
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	f := newFixture(t)
	f.store.defs[8] = fetch.Definition{ID: 8, Name: "off", URL: srv.URL, ScheduleID: 8, Active: false}
	f.store.specs[8] = schedule.Spec{Repeat: true, Unit: schedule.Seconds, Magnitude: 1}

	res, err := f.p.Execute(context.Background(), f.lease(t, 8))
	if err != nil || !res.Skipped {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if hits != 0 || len(f.store.recordsCopy()) != 0 {
		t.Fatalf("inactive definition executed: hits=%d", hits)
	}
	if pending, _ := f.q.List(context.Background(), queue.Filter{Status: queue.StatusPending}); len(pending) != 0 {
		t.Fatalf("inactive definition rescheduled")
	}
}

func TestRunOnceArchivesIndependentRecords(t *testing.T) {
	t.Parallel()
	srv := okServer(t)
	f := newFixture(t)
	f.store.defs[9] = fetch.Definition{ID: 9, Name: "adhoc", URL: srv.URL, ScheduleID: 9, CurrentJobID: "cur", Active: true}
	f.store.specs[9] = schedule.Spec{Repeat: true, Unit: schedule.Days, Magnitude: 1}

	for i := 0; i < 2; i++ {
		if _, err := f.p.RunOnce(context.Background(), 9); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	recs := f.store.recordsCopy()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Name != "adhoc [9-cur]" {
		t.Fatalf("name = %q", recs[0].Name)
	}
	if all, _ := f.q.List(context.Background(), queue.Filter{}); len(all) != 0 {
		t.Fatalf("RunOnce enqueued %d jobs", len(all))
	}
}

func TestNewPipelineRequiresDeps(t *testing.T) {
	t.Parallel()
	if _, err := fetch.NewPipeline(fetch.Deps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

// cancelingClient cancels the job context while the request is in flight,
// then answers as if the response had already arrived.
type cancelingClient struct{ cancel context.CancelFunc }

func (c cancelingClient) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (fetch.Response, error) {
	c.cancel()
	return fetch.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
}

func TestExecuteReschedulesAfterJobCanceled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p, err := fetch.NewPipeline(fetch.Deps{
		Definitions: f.store,
		Headers:     f.store,
		Schedules:   f.store,
		Archive:     f.store,
		Client:      cancelingClient{cancel: cancel},
		Queue:       f.q,
		Now:         func() time.Time { return f.t0 },
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	f.store.defs[9] = fetch.Definition{ID: 9, Name: "late", URL: "http://example.invalid", ScheduleID: 9, Active: true}
	f.store.specs[9] = schedule.Spec{Repeat: true, Unit: schedule.Minutes, Magnitude: 1}

	res, err := p.Execute(ctx, f.lease(t, 9))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("job context was not canceled")
	}
	if recs := f.store.recordsCopy(); len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	pending, err := f.q.List(context.Background(), queue.Filter{Status: queue.StatusPending, FetchID: 9})
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %+v, %v; want exactly 1", pending, err)
	}
	if res.NextJobID != pending[0].ID {
		t.Fatalf("result next job = %q, want %q", res.NextJobID, pending[0].ID)
	}
	def, _ := f.store.GetDefinition(context.Background(), 9)
	if def.CurrentJobID != pending[0].ID {
		t.Fatalf("current_job_id = %q, want %q", def.CurrentJobID, pending[0].ID)
	}
}

func TestExecuteMalformedURLGoesDead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.defs[10] = fetch.Definition{ID: 10, Name: "typo", URL: "http://[::1/x", ScheduleID: 10, Active: true}
	f.store.specs[10] = schedule.Spec{Repeat: true, Unit: schedule.Minutes, Magnitude: 1}

	job := f.lease(t, 10)
	_, err := f.p.Execute(context.Background(), job)
	if !fetch.IsKind(err, fetch.KindTransport) || !queue.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent transport error", err)
	}
	st, ferr := f.q.Fail(context.Background(), job.ID, job.Attempts, err, f.t0)
	if ferr != nil || st != queue.StatusDead {
		t.Fatalf("Fail = %s, %v; want dead on first attempt", st, ferr)
	}
}
