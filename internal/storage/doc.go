// Package storage is the SQL persistence layer.
//
// One DB serves both SQLite (modernc.org/sqlite, pure Go) and PostgreSQL
// (github.com/lib/pq). Queries are written with '?' placeholders and rebound
// per dialect. It implements:
//   - the fetch collaborator stores (definitions, header sets, schedules)
//   - the execution archive
//   - a queue.Backend on the jobs table
//
// Times are stored as unix milliseconds.
package storage
