package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrNotLeased = errors.New("job is not leased")
	ErrNotDead   = errors.New("job is not dead")
)

// Permanent marks a failure as non-retryable: Fail moves the job straight to dead.
//
//	return queue.Permanent(fmt.Errorf("definition %d: %w", id, err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
