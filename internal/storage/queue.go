package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fetchsched/internal/queue"
)

// Queue is a queue.Backend on the jobs table.
type Queue struct {
	db     *DB
	policy queue.Policy
}

var (
	_ queue.Backend = (*Queue)(nil)
	_ queue.Pruner  = (*Queue)(nil)
)

// Queue returns a job queue sharing this database.
func (d *DB) Queue(p queue.Policy) *Queue {
	return &Queue{db: d, policy: p.Normalized()}
}

const jobColumns = `id, fetch_id, run_at, status, attempts, max_attempts, last_error, leased_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (queue.Job, error) {
	var (
		j                                 queue.Job
		status                            string
		runAt, leasedAt, created, updated int64
	)
	if err := r.Scan(&j.ID, &j.FetchID, &runAt, &status, &j.Attempts, &j.MaxAttempts, &j.LastError, &leasedAt, &created, &updated); err != nil {
		return queue.Job{}, err
	}
	j.Status = queue.Status(status)
	j.RunAt = fromMS(runAt)
	j.LeasedAt = fromMS(leasedAt)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(updated)
	return j, nil
}

func (q *Queue) Enqueue(ctx context.Context, fetchID int64, runAt time.Time) (string, error) {
	id := queue.NewID()
	now := ms(time.Now())
	_, err := q.db.exec(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		id, fetchID, ms(runAt), string(queue.StatusPending), 0, q.policy.MaxAttempts, "", 0, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue fetch %d: %w", fetchID, err)
	}
	return id, nil
}

func (q *Queue) leaseSQL() string {
	lock := ""
	if q.db.dialect == dialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	return `UPDATE jobs SET status = 'leased', attempts = attempts + 1, leased_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = 'pending' AND run_at <= ?
			ORDER BY run_at, id LIMIT 1` + lock + `
		) AND status = 'pending'
		RETURNING ` + jobColumns
}

// LeaseNext claims the earliest due job in one conditional UPDATE.
func (q *Queue) LeaseNext(ctx context.Context, now time.Time) (*queue.Job, error) {
	t := ms(now)
	j, err := scanJob(q.db.queryRow(ctx, q.leaseSQL(), t, t, t))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	return &j, nil
}

// classify explains why a guarded UPDATE touched no row.
func (q *Queue) classify(ctx context.Context, id string, want error) error {
	var status string
	err := q.db.queryRow(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.ErrNotFound
	}
	if err != nil {
		return err
	}
	return want
}

func (q *Queue) Ack(ctx context.Context, id string, attempt int) error {
	res, err := q.db.exec(ctx,
		`UPDATE jobs SET status = 'done', leased_at = 0, updated_at = ? WHERE id = ? AND status = 'leased' AND attempts = ?`,
		ms(time.Now()), id, attempt,
	)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.classify(ctx, id, queue.ErrNotLeased)
	}
	return nil
}

func (q *Queue) Fail(ctx context.Context, id string, attempt int, cause error, now time.Time) (queue.Status, error) {
	j, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if j.Status != queue.StatusLeased || j.Attempts != attempt {
		return j.Status, queue.ErrNotLeased
	}
	st, runAt := q.policy.Next(j.Attempts, j.MaxAttempts, cause, now)
	res, err := q.db.exec(ctx,
		`UPDATE jobs SET status = ?, run_at = ?, last_error = ?, leased_at = 0, updated_at = ?
		 WHERE id = ? AND status = 'leased' AND attempts = ?`,
		string(st), ms(runAt), queue.ErrorText(cause), ms(now), id, j.Attempts,
	)
	if err != nil {
		return "", fmt.Errorf("fail %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", q.classify(ctx, id, queue.ErrNotLeased)
	}
	return st, nil
}

func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, nil
	}
	t := ms(now)
	res, err := q.db.exec(ctx,
		`UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END,
			run_at = ?, last_error = ?, leased_at = 0, updated_at = ?
		 WHERE status = 'leased' AND leased_at <= ?`,
		t, queue.LeaseExpiredError, t, ms(now.Add(-timeout)),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PruneFinished deletes done and dead jobs last updated before cutoff.
func (q *Queue) PruneFinished(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.exec(ctx, `DELETE FROM jobs WHERE status IN ('done', 'dead') AND updated_at < ?`, ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *Queue) Get(ctx context.Context, id string) (queue.Job, error) {
	j, err := scanJob(q.db.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Job{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (q *Queue) List(ctx context.Context, f queue.Filter) ([]queue.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.FetchID != 0 {
		where = append(where, "fetch_id = ?")
		args = append(args, f.FetchID)
	}
	stmt := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY run_at, id LIMIT ?`
	args = append(args, f.EffectiveLimit())

	rows, err := q.db.query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *Queue) Requeue(ctx context.Context, id string, runAt time.Time) error {
	res, err := q.db.exec(ctx,
		`UPDATE jobs SET status = 'pending', attempts = 0, run_at = ?, last_error = '', leased_at = 0, updated_at = ?
		 WHERE id = ? AND status = 'dead'`,
		ms(runAt), ms(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.classify(ctx, id, queue.ErrNotDead)
	}
	return nil
}
