package retry

import (
	"errors"
)

var (
	// ErrRetryExhausted is returned when all attempts of an operation failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrPermanent marks failures that no retry can fix, such as malformed input.
	ErrPermanent = errors.New("permanent failure")
)

// permanentError wraps an error so that errors.Is matches both ErrPermanent and the
// wrapped error.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent marks err as not retryable. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
