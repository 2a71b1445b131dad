package worker

import "errors"

type finalError struct{ err error }

func (e *finalError) Error() string { return e.err.Error() }
func (e *finalError) Unwrap() error { return e.err }

type retryError struct{ err error }

func (e *retryError) Error() string { return e.err.Error() }
func (e *retryError) Unwrap() error { return e.err }

// Final marks err as handled: the job is dead-lettered without further attempts.
func Final(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{err: err}
}

// Retry marks err as transient. Unmarked errors are retried as well.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &retryError{err: err}
}

// IsFinal reports whether err, or anything it wraps, was marked Final and not
// re-marked Retry above it.
func IsFinal(err error) bool {
	for err != nil {
		switch err.(type) {
		case *retryError:
			return false
		case *finalError:
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
