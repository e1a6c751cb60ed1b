// Package errors classifies failures for the resilient-invocation layer and
// provides the bounded retry used by the agent gateway.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// TransientError marks an error that a bounded retry may resolve.
type TransientError struct {
	Err     error
	Message string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error that retrying cannot fix, such as a
// data-contract violation in an agent response.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a deadline or network timeout. The retry
// policy inserts a delay only after these.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ETIMEDOUT)
}

// IsPermanent reports whether err was explicitly marked non-retryable.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
