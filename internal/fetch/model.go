// Package fetch executes one leased job: it resolves the fetch definition
// and its headers, sends the HTTP request, archives the response and, for a
// repeating definition, enqueues the next run.
package fetch

import (
	"context"
	"net/http"
	"time"

	"fetchsched/internal/schedule"
)

// Definition is a registered HTTP call. The core only ever writes CurrentJobID.
type Definition struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	HeaderID     *int64 `json:"header_id,omitempty"`
	Payload      string `json:"payload,omitempty"`
	ScheduleID   int64  `json:"schedule_id"`
	CurrentJobID string `json:"current_job_id,omitempty"`
	Active       bool   `json:"active"`
}

// HeaderSet is a named header map referenced by definitions.
type HeaderSet struct {
	ID      int64             `json:"id"`
	Name    string            `json:"name"`
	Headers map[string]string `json:"headers"`
}

// ExecutionRecord is the append-only archive row of one execution.
type ExecutionRecord struct {
	ID              int64             `json:"id,omitempty"`
	FetchID         int64             `json:"fetch_id"`
	Name            string            `json:"name"`
	StatusCode      int               `json:"status_code"`
	Response        string            `json:"response"`
	ResponseHeaders map[string]string `json:"response_headers"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Response is what an OutboundHTTPClient hands back.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	// Truncated is set when the body hit the client's size cap.
	Truncated bool
}

type DefinitionStore interface {
	GetDefinition(ctx context.Context, id int64) (Definition, error)
	UpdateCurrentJob(ctx context.Context, id int64, jobID string) error
}

type HeaderStore interface {
	GetHeaderSet(ctx context.Context, id int64) (HeaderSet, error)
}

type ScheduleStore interface {
	GetSchedule(ctx context.Context, id int64) (schedule.Spec, error)
}

type Archive interface {
	AppendExecution(ctx context.Context, rec ExecutionRecord) (int64, error)
}

// OutboundHTTPClient sends one request. Non-2xx statuses are not errors.
type OutboundHTTPClient interface {
	Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (Response, error)
}
