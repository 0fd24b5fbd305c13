package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fetchsched/internal/fetch"
	"fetchsched/internal/schedule"
)

var (
	_ fetch.DefinitionStore = (*DB)(nil)
	_ fetch.HeaderStore     = (*DB)(nil)
	_ fetch.ScheduleStore   = (*DB)(nil)
	_ fetch.Archive         = (*DB)(nil)
)

func notFound(what string, id int64) error {
	return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
}

func (d *DB) GetDefinition(ctx context.Context, id int64) (fetch.Definition, error) {
	var (
		def      fetch.Definition
		headerID sql.NullInt64
		jobID    sql.NullString
	)
	err := d.queryRow(ctx,
		`SELECT id, name, url, method, header_id, payload, schedule_id, current_job_id, active
		 FROM fetch_definitions WHERE id = ?`, id,
	).Scan(&def.ID, &def.Name, &def.URL, &def.Method, &headerID, &def.Payload, &def.ScheduleID, &jobID, &def.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return fetch.Definition{}, notFound("definition", id)
	}
	if err != nil {
		return fetch.Definition{}, fmt.Errorf("get definition %d: %w", id, err)
	}
	if headerID.Valid {
		v := headerID.Int64
		def.HeaderID = &v
	}
	def.CurrentJobID = jobID.String
	return def, nil
}

func (d *DB) UpdateCurrentJob(ctx context.Context, id int64, jobID string) error {
	res, err := d.exec(ctx, `UPDATE fetch_definitions SET current_job_id = ? WHERE id = ?`, nullStr(jobID), id)
	if err != nil {
		return fmt.Errorf("update current job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("definition", id)
	}
	return nil
}

func (d *DB) GetHeaderSet(ctx context.Context, id int64) (fetch.HeaderSet, error) {
	var (
		hs  fetch.HeaderSet
		raw []byte
	)
	err := d.queryRow(ctx, `SELECT id, name, headers FROM fetch_headers WHERE id = ?`, id).Scan(&hs.ID, &hs.Name, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fetch.HeaderSet{}, notFound("header set", id)
	}
	if err != nil {
		return fetch.HeaderSet{}, fmt.Errorf("get header set %d: %w", id, err)
	}
	if err := json.Unmarshal(raw, &hs.Headers); err != nil {
		return fetch.HeaderSet{}, fmt.Errorf("header set %d: decode headers: %w", id, err)
	}
	return hs, nil
}

func (d *DB) GetSchedule(ctx context.Context, id int64) (schedule.Spec, error) {
	var (
		sp   schedule.Spec
		unit string
	)
	err := d.queryRow(ctx, `SELECT is_repeat, unit, magnitude, cron FROM fetch_schedules WHERE id = ?`, id).
		Scan(&sp.Repeat, &unit, &sp.Magnitude, &sp.Cron)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Spec{}, notFound("schedule", id)
	}
	if err != nil {
		return schedule.Spec{}, fmt.Errorf("get schedule %d: %w", id, err)
	}
	sp.Unit = schedule.Unit(unit)
	if u, err := schedule.ParseUnit(unit); err == nil {
		sp.Unit = u
	}
	return sp, nil
}

func (d *DB) AppendExecution(ctx context.Context, rec fetch.ExecutionRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	hdrs := rec.ResponseHeaders
	if hdrs == nil {
		hdrs = map[string]string{}
	}
	hb, err := json.Marshal(hdrs)
	if err != nil {
		return 0, fmt.Errorf("encode response headers: %w", err)
	}
	var id int64
	err = d.queryRow(ctx,
		`INSERT INTO fetch_executions(fetch_id, name, status_code, response, response_headers, created_at)
		 VALUES(?,?,?,?,?,?) RETURNING id`,
		rec.FetchID, rec.Name, rec.StatusCode, rec.Response, string(hb), ms(rec.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append execution for fetch %d: %w", rec.FetchID, err)
	}
	return id, nil
}

// ListExecutions returns the newest records for a definition (all when fetchID is 0).
func (d *DB) ListExecutions(ctx context.Context, fetchID int64, limit int) ([]fetch.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, fetch_id, name, status_code, response, response_headers, created_at FROM fetch_executions`
	args := []any{}
	if fetchID != 0 {
		q += ` WHERE fetch_id = ?`
		args = append(args, fetchID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []fetch.ExecutionRecord
	for rows.Next() {
		var (
			rec     fetch.ExecutionRecord
			hb      []byte
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.FetchID, &rec.Name, &rec.StatusCode, &rec.Response, &hb, &created); err != nil {
			return nil, err
		}
		if len(hb) > 0 {
			if err := json.Unmarshal(hb, &rec.ResponseHeaders); err != nil {
				return nil, fmt.Errorf("execution %d: decode headers: %w", rec.ID, err)
			}
		}
		rec.CreatedAt = fromMS(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
