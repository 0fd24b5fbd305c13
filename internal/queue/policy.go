package queue

import (
	"math/rand/v2"
	"time"
)

// Policy decides retry vs. dead for a failed attempt. Every backend delegates
// to it so the decision lives in one place.
type Policy struct {
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// Jitter is the +/- fraction applied to each delay. Zero means 0.2;
	// negative disables jitter.
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.RetryBase <= 0 {
		p.RetryBase = time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 5 * time.Minute
	}
	if p.RetryMaxDelay < p.RetryBase {
		p.RetryMaxDelay = p.RetryBase
	}
	if p.Jitter == 0 {
		p.Jitter = 0.2
	}
	return p
}

// Normalized returns p with defaults filled in.
func (p Policy) Normalized() Policy { return p.withDefaults() }

// Backoff returns the delay before retry number attempts (1-based):
// base doubling per attempt, capped at RetryMaxDelay, with jitter.
func (p Policy) Backoff(attempts int) time.Duration {
	p = p.withDefaults()
	d := p.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.RetryMaxDelay {
			d = p.RetryMaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		r := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.RetryMaxDelay {
		d = p.RetryMaxDelay
	}
	return d
}

// Next returns the job's status after a failed attempt and, for a retry,
// its new run time.
func (p Policy) Next(attempts, maxAttempts int, cause error, now time.Time) (Status, time.Time) {
	if maxAttempts <= 0 {
		maxAttempts = p.withDefaults().MaxAttempts
	}
	if IsPermanent(cause) || attempts >= maxAttempts {
		return StatusDead, now
	}
	return StatusPending, now.Add(p.Backoff(attempts))
}

// ErrorText truncates a failure cause for storage in Job.LastError.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 2000 {
		s = s[:2000]
	}
	return s
}

// LeaseExpiredError is recorded as LastError for reclaimed jobs.
const LeaseExpiredError = "lease expired"
