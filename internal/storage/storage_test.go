package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fetchsched/internal/fetch"
	"fetchsched/internal/queue"
	"fetchsched/internal/queue/queuetest"
	"fetchsched/internal/schedule"
	logx "fetchsched/pkg/logx"
)

var noLog = logx.Nop()

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: "sqlite", Path: ":memory:"}, noLog)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func int64p(v int64) *int64 { return &v }
func boolp(v bool) *bool    { return &v }

func seedBasic(t *testing.T, db *DB) {
	t.Helper()
	err := db.ApplySeed(context.Background(), Seed{
		Schedules: []SeedSchedule{
			{ID: 1, Repeat: true, Unit: "minute", Magnitude: 5},
			{ID: 2, Repeat: false},
			{ID: 3, Repeat: true, Cron: "@hourly"},
		},
		Headers: []SeedHeaderSet{{ID: 1, Name: "auth", Headers: map[string]string{"Authorization": "Bearer t"}}},
		Definitions: []SeedDefinition{
			{ID: 10, Name: "ping", URL: "https://example.test/ping", ScheduleID: 1, HeaderID: int64p(1)},
			{ID: 11, Name: "post", URL: "https://example.test/post", Method: "POST", Payload: `{"a":1}`, ScheduleID: 2, Active: boolp(false)},
		},
	})
	if err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}
}

func TestSQLiteQueueBackend(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, p queue.Policy) queue.Backend {
		return openMemory(t).Queue(p)
	})
}

func TestDefinitionRoundTrip(t *testing.T) {
	t.Parallel()
	db := openMemory(t)
	seedBasic(t, db)
	ctx := context.Background()

	def, err := db.GetDefinition(ctx, 10)
	if err != nil {
		t.Fatalf("GetDefinition: %v", err)
	}
	if def.Name != "ping" || def.HeaderID == nil || *def.HeaderID != 1 || !def.Active || def.CurrentJobID != "" {
		t.Fatalf("definition = %+v", def)
	}
	inactive, err := db.GetDefinition(ctx, 11)
	if err != nil || inactive.Active || inactive.HeaderID != nil || inactive.Method != "POST" {
		t.Fatalf("definition 11 = %+v, %v", inactive, err)
	}

	if err := db.UpdateCurrentJob(ctx, 10, "job-1"); err != nil {
		t.Fatalf("UpdateCurrentJob: %v", err)
	}
	def, _ = db.GetDefinition(ctx, 10)
	if def.CurrentJobID != "job-1" {
		t.Fatalf("current_job_id = %q", def.CurrentJobID)
	}

	if _, err := db.GetDefinition(ctx, 999); !errors.Is(err, fetch.ErrNotFound) {
		t.Fatalf("missing definition err = %v", err)
	}
	if err := db.UpdateCurrentJob(ctx, 999, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing update err = %v", err)
	}
}

func TestHeaderAndScheduleStores(t *testing.T) {
	t.Parallel()
	db := openMemory(t)
	seedBasic(t, db)
	ctx := context.Background()

	hs, err := db.GetHeaderSet(ctx, 1)
	if err != nil || hs.Headers["Authorization"] != "Bearer t" {
		t.Fatalf("header set = %+v, %v", hs, err)
	}
	if _, err := db.GetHeaderSet(ctx, 2); !errors.Is(err, fetch.ErrNotFound) {
		t.Fatalf("missing header set err = %v", err)
	}

	sp, err := db.GetSchedule(ctx, 1)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !sp.Repeat || sp.Unit != schedule.Minutes || sp.Magnitude != 5 {
		t.Fatalf("schedule = %+v", sp)
	}
	cron, _ := db.GetSchedule(ctx, 3)
	if cron.Cron != "@hourly" {
		t.Fatalf("cron schedule = %+v", cron)
	}
}

func TestArchiveAppendsIndependentRows(t *testing.T) {
	t.Parallel()
	db := openMemory(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_123)

	rec := fetch.ExecutionRecord{
		FetchID:         10,
		Name:            "ping [10-j]",
		StatusCode:      200,
		Response:        "{\n  \"ok\": true\n}",
		ResponseHeaders: map[string]string{"content-type": "application/json"},
		CreatedAt:       at,
	}
	id1, err := db.AppendExecution(ctx, rec)
	if err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}
	id2, err := db.AppendExecution(ctx, rec)
	if err != nil {
		t.Fatalf("AppendExecution: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct ids, got %d twice", id1)
	}

	recs, err := db.ListExecutions(ctx, 10, 10)
	if err != nil || len(recs) != 2 {
		t.Fatalf("ListExecutions = %d, %v", len(recs), err)
	}
	got := recs[0]
	if got.ID != id2 || got.Response != rec.Response || got.ResponseHeaders["content-type"] != "application/json" || !got.CreatedAt.Equal(at) {
		t.Fatalf("record = %+v", got)
	}
	if other, _ := db.ListExecutions(ctx, 77, 10); len(other) != 0 {
		t.Fatalf("unexpected records for fetch 77")
	}
}

func TestSeedRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	db := openMemory(t)
	err := db.ApplySeed(context.Background(), Seed{Schedules: []SeedSchedule{{ID: 1, Repeat: true, Unit: "weeks", Magnitude: 1}}})
	if err == nil {
		t.Fatal("expected error for unknown unit")
	}
}

func TestLoadSeedYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	content := `
schedules:
  - {id: 1, repeat: true, unit: seconds, magnitude: 30}
definitions:
  - id: 5
    name: health
    url: http://localhost:8080/healthz
    schedule_id: 1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(s.Schedules) != 1 || s.Schedules[0].Magnitude != 30 || len(s.Definitions) != 1 || s.Definitions[0].URL != "http://localhost:8080/healthz" {
		t.Fatalf("seed = %+v", s)
	}

	db := openMemory(t)
	if err := db.ApplySeed(context.Background(), s); err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}
	if def, err := db.GetDefinition(context.Background(), 5); err != nil || !def.Active {
		t.Fatalf("seeded definition = %+v, %v", def, err)
	}
}

func TestPruneFinished(t *testing.T) {
	t.Parallel()
	q := openMemory(t).Queue(queuetest.Policy)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, 1, queuetest.Base)
	keep, _ := q.Enqueue(ctx, 2, queuetest.Base.Add(time.Hour))
	if _, err := q.LeaseNext(ctx, queuetest.Base); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, id, 1); err != nil {
		t.Fatal(err)
	}
	n, err := q.PruneFinished(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PruneFinished = %d, %v", n, err)
	}
	if _, err := q.Get(ctx, id); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("pruned job still present: %v", err)
	}
	if _, err := q.Get(ctx, keep); err != nil {
		t.Fatalf("pending job pruned: %v", err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	in := `UPDATE jobs SET a = ?, b = ? WHERE id = ?`
	if got := dialectSQLite.rebind(in); got != in {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	if got := dialectPostgres.rebind(in); got != `UPDATE jobs SET a = $1, b = $2 WHERE id = $3` {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mysql"}, noLog); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(context.Background(), Config{Driver: "postgres"}, noLog); err == nil {
		t.Fatal("expected error for missing dsn")
	}
}
