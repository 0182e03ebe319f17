package work

import (
	"errors"
	"fmt"
)

// ErrCapacityTimeout is returned when a pooled channel could not be admitted
// within the allowed wait. Callers fall back to a non-pooled path.
var ErrCapacityTimeout = errors.New("connection pool capacity wait timed out")

// TransientError is a retryable failure: network hiccups, 5xx responses,
// timeouts and malformed bodies.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError terminates the poll loop: authentication failures and
// exhausted retry budgets.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// CallbackError wraps a failure of the caller-supplied completion or judge
// function. It is reported against the item and never stops the engine.
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback failed: %v", e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// IsFatal reports whether err (or anything it wraps) is a [FatalError].
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsTransient reports whether err (or anything it wraps) is a [TransientError].
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
