package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fetchsched/internal/queue"
	logx "fetchsched/pkg/logx"
)

// rescheduleTimeout bounds the follow-up enqueue. It runs detached from the
// job context: once the record is archived the chain has to be extended even
// when the job is interrupted.
const rescheduleTimeout = 10 * time.Second

// Deps are the collaborators a Pipeline needs. All are required except Log and Now.
type Deps struct {
	Definitions DefinitionStore
	Headers     HeaderStore
	Schedules   ScheduleStore
	Archive     Archive
	Client      OutboundHTTPClient
	Queue       queue.Queue
	Log         logx.Logger
	Now         func() time.Time
}

type Pipeline struct {
	defs      DefinitionStore
	headers   HeaderStore
	schedules ScheduleStore
	archive   Archive
	client    OutboundHTTPClient
	queue     queue.Queue
	log       logx.Logger
	now       func() time.Time
}

// Result describes a finished execution.
type Result struct {
	RecordID   int64
	StatusCode int
	// Skipped is set for inactive definitions: nothing was sent or archived.
	Skipped   bool
	NextJobID string
	NextRun   time.Time
}

func NewPipeline(d Deps) (*Pipeline, error) {
	switch {
	case d.Definitions == nil:
		return nil, errors.New("fetch: definition store is required")
	case d.Headers == nil:
		return nil, errors.New("fetch: header store is required")
	case d.Schedules == nil:
		return nil, errors.New("fetch: schedule store is required")
	case d.Archive == nil:
		return nil, errors.New("fetch: archive is required")
	case d.Client == nil:
		return nil, errors.New("fetch: http client is required")
	case d.Queue == nil:
		return nil, errors.New("fetch: queue is required")
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		defs:      d.Definitions,
		headers:   d.Headers,
		schedules: d.Schedules,
		archive:   d.Archive,
		client:    d.Client,
		queue:     d.Queue,
		log:       log,
		now:       now,
	}, nil
}

// Execute runs a leased job end to end, including the follow-up enqueue for
// repeating definitions.
//
// Errors are *Error values. A NotFound error is also wrapped with
// queue.Permanent so the queue marks the job dead without retrying.
func (p *Pipeline) Execute(ctx context.Context, job queue.Job) (Result, error) {
	def, res, err := p.run(ctx, job.FetchID, job.ID)
	if err != nil || res.Skipped {
		return res, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rescheduleTimeout)
	defer cancel()

	spec, err := p.schedules.GetSchedule(ctx, def.ScheduleID)
	if err != nil {
		return res, p.rescheduleErr(def.ID, "resolve schedule", err)
	}
	if !spec.Repeat {
		return res, nil
	}
	next, err := spec.Next(p.now())
	if err != nil {
		return res, p.rescheduleErr(def.ID, "next run", err)
	}
	jobID, err := p.queue.Enqueue(ctx, def.ID, next)
	if err != nil {
		return res, p.rescheduleErr(def.ID, "enqueue next", err)
	}
	res.NextJobID = jobID
	res.NextRun = next
	if err := p.defs.UpdateCurrentJob(ctx, def.ID, jobID); err != nil {
		return res, p.rescheduleErr(def.ID, "update current job", err)
	}
	p.log.Debug("fetch.rescheduled", logx.Int64("fetch_id", def.ID), logx.String("job_id", jobID), logx.Time("run_at", next), logx.String("schedule", spec.String()))
	return res, nil
}

// RunOnce executes a definition immediately without touching its repeat chain.
func (p *Pipeline) RunOnce(ctx context.Context, fetchID int64) (Result, error) {
	_, res, err := p.run(ctx, fetchID, "")
	return res, err
}

func (p *Pipeline) run(ctx context.Context, fetchID int64, jobID string) (Definition, Result, error) {
	def, err := p.defs.GetDefinition(ctx, fetchID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return def, Result{}, queue.Permanent(newError(KindNotFound, "resolve definition", fetchID, err))
		}
		return def, Result{}, newError(KindStorage, "resolve definition", fetchID, err)
	}
	if !def.Active {
		p.log.Info("fetch.skipped", logx.Int64("fetch_id", def.ID), logx.String("reason", "inactive"))
		return def, Result{Skipped: true}, nil
	}

	headers := p.resolveHeaders(ctx, def)

	method, ok := ResolveMethod(def.Method)
	if !ok {
		p.log.Warn("fetch.method_unknown", logx.Int64("fetch_id", def.ID), logx.String("method", def.Method), logx.String("using", method))
	}
	var body []byte
	if def.Payload != "" {
		body = []byte(def.Payload)
	}

	start := p.now()
	resp, err := p.client.Send(ctx, method, def.URL, headers, body)
	if err != nil {
		return def, Result{}, newError(KindTransport, "send "+method+" "+def.URL, def.ID, err)
	}
	if resp.Truncated {
		p.log.Warn("fetch.body_truncated", logx.Int64("fetch_id", def.ID), logx.Int("bytes", len(resp.Body)))
	}

	rec := ExecutionRecord{
		FetchID:         def.ID,
		Name:            RecordName(def, jobID),
		StatusCode:      resp.StatusCode,
		Response:        FormatBody(resp.Body),
		ResponseHeaders: FlattenHeaders(resp.Headers),
		CreatedAt:       p.now(),
	}
	id, err := p.archive.AppendExecution(ctx, rec)
	if err != nil {
		return def, Result{}, newError(KindStorage, "archive execution", def.ID, err)
	}
	p.log.Info("fetch.done",
		logx.Int64("fetch_id", def.ID),
		logx.String("method", method),
		logx.String("url", def.URL),
		logx.Int("status", resp.StatusCode),
		logx.Duration("dur", rec.CreatedAt.Sub(start)),
	)
	return def, Result{RecordID: id, StatusCode: resp.StatusCode}, nil
}

// resolveHeaders is best effort: a missing or broken header set is logged
// and the request goes out without custom headers.
func (p *Pipeline) resolveHeaders(ctx context.Context, def Definition) map[string]string {
	if def.HeaderID == nil {
		return nil
	}
	hs, err := p.headers.GetHeaderSet(ctx, *def.HeaderID)
	if err != nil {
		p.log.Warn("fetch.headers_unavailable", logx.Int64("fetch_id", def.ID), logx.Int64("header_id", *def.HeaderID), logx.Err(err))
		return nil
	}
	return hs.Headers
}

func (p *Pipeline) rescheduleErr(fetchID int64, op string, err error) error {
	return newError(KindReschedule, op, fetchID, err)
}

// RecordName builds "<name> [<fetch id>-<job id>]". The job id falls back to
// the definition's current job, then to "unknown".
func RecordName(def Definition, jobID string) string {
	if jobID == "" {
		jobID = def.CurrentJobID
	}
	if jobID == "" {
		jobID = "unknown"
	}
	return fmt.Sprintf("%s [%d-%s]", def.Name, def.ID, jobID)
}
