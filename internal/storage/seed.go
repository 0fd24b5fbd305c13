package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"fetchsched/internal/schedule"
)

// Seed is a YAML fixture of collaborator rows for local setups. In production
// these rows are owned by the CRUD service sharing the database.
//
//	schedules:
//	  - {id: 1, repeat: true, unit: minutes, magnitude: 5}
//	headers:
//	  - {id: 1, name: auth, headers: {Authorization: "Bearer x"}}
//	definitions:
//	  - {id: 1, name: ping, url: "https://example.test/ping", schedule_id: 1, header_id: 1}
type Seed struct {
	Schedules   []SeedSchedule   `yaml:"schedules"`
	Headers     []SeedHeaderSet  `yaml:"headers"`
	Definitions []SeedDefinition `yaml:"definitions"`
}

type SeedSchedule struct {
	ID        int64  `yaml:"id"`
	Name      string `yaml:"name"`
	Repeat    bool   `yaml:"repeat"`
	Unit      string `yaml:"unit"`
	Magnitude int64  `yaml:"magnitude"`
	Cron      string `yaml:"cron"`
}

type SeedHeaderSet struct {
	ID      int64             `yaml:"id"`
	Name    string            `yaml:"name"`
	Headers map[string]string `yaml:"headers"`
}

type SeedDefinition struct {
	ID         int64  `yaml:"id"`
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
	HeaderID   *int64 `yaml:"header_id"`
	Payload    string `yaml:"payload"`
	ScheduleID int64  `yaml:"schedule_id"`
	Active     *bool  `yaml:"active"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return s, nil
}

// ApplySeed upserts every row of s in one transaction.
func (d *DB) ApplySeed(ctx context.Context, s Seed) error {
	for _, sc := range s.Schedules {
		unit := schedule.Seconds
		if sc.Unit != "" {
			u, err := schedule.ParseUnit(sc.Unit)
			if err != nil {
				return fmt.Errorf("schedule %d: %w", sc.ID, err)
			}
			unit = u
		}
		spec := schedule.Spec{Repeat: sc.Repeat, Unit: unit, Magnitude: sc.Magnitude, Cron: sc.Cron}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("schedule %d: %w", sc.ID, err)
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	exec := func(q string, args ...any) error {
		_, err := tx.ExecContext(ctx, d.dialect.rebind(q), args...)
		return err
	}

	for _, sc := range s.Schedules {
		unit := string(schedule.Seconds)
		if sc.Unit != "" {
			u, _ := schedule.ParseUnit(sc.Unit)
			unit = string(u)
		}
		mag := sc.Magnitude
		if mag < 1 {
			mag = 1
		}
		err := exec(`INSERT INTO fetch_schedules(id, name, is_repeat, unit, magnitude, cron) VALUES(?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_repeat = excluded.is_repeat,
			unit = excluded.unit, magnitude = excluded.magnitude, cron = excluded.cron`,
			sc.ID, sc.Name, sc.Repeat, unit, mag, sc.Cron)
		if err != nil {
			return fmt.Errorf("seed schedule %d: %w", sc.ID, err)
		}
	}
	for _, h := range s.Headers {
		hdrs := h.Headers
		if hdrs == nil {
			hdrs = map[string]string{}
		}
		b, err := json.Marshal(hdrs)
		if err != nil {
			return err
		}
		err = exec(`INSERT INTO fetch_headers(id, name, headers) VALUES(?,?,?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, headers = excluded.headers`,
			h.ID, h.Name, string(b))
		if err != nil {
			return fmt.Errorf("seed header set %d: %w", h.ID, err)
		}
	}
	for _, def := range s.Definitions {
		active := true
		if def.Active != nil {
			active = *def.Active
		}
		err := exec(`INSERT INTO fetch_definitions(id, name, url, method, header_id, payload, schedule_id, active) VALUES(?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, url = excluded.url, method = excluded.method,
			header_id = excluded.header_id, payload = excluded.payload, schedule_id = excluded.schedule_id, active = excluded.active`,
			def.ID, def.Name, def.URL, def.Method, nullInt(def.HeaderID), def.Payload, def.ScheduleID, active)
		if err != nil {
			return fmt.Errorf("seed definition %d: %w", def.ID, err)
		}
	}

	if d.dialect == dialectPostgres {
		// Explicit ids leave the serial sequences behind.
		for _, tbl := range []string{"fetch_schedules", "fetch_headers", "fetch_definitions"} {
			if err := exec(`SELECT setval(pg_get_serial_sequence('` + tbl + `', 'id'), COALESCE(MAX(id), 1)) FROM ` + tbl); err != nil {
				return fmt.Errorf("sync sequence %s: %w", tbl, err)
			}
		}
	}
	return tx.Commit()
}
