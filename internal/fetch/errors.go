package fetch

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a definition or header set is missing.
var ErrNotFound = errors.New("not found")

type Kind int

const (
	KindNotFound Kind = iota + 1
	KindTransport
	KindStorage
	KindReschedule
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindTransport:
		return "transport"
	case KindStorage:
		return "storage"
	case KindReschedule:
		return "reschedule"
	}
	return "unknown"
}

// Error is a classified pipeline failure.
//
// NotFound is permanent. Transport and Storage are retried by the queue.
// Reschedule means the execution itself was archived and only the follow-up
// enqueue failed, so the job must not run again.
type Error struct {
	Kind    Kind
	Op      string
	FetchID int64
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %d: %s (%s): %v", e.FetchID, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err carries an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == k
}

func newError(k Kind, op string, fetchID int64, err error) *Error {
	return &Error{Kind: k, Op: op, FetchID: fetchID, Err: err}
}
