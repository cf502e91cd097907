package common

import (
	"context"
	"errors"
)

// Error classes. Components attach one of them with %w so callers can decide
// between retrying, flagging the unit or stopping the run.
var (
	// ErrTransient marks provider timeouts, throttling and unavailable stores.
	ErrTransient = errors.New("transient error")
	// ErrMalformedOutput marks model output that does not parse.
	ErrMalformedOutput = errors.New("malformed model output")
	// ErrConfiguration marks problems that no retry can fix.
	ErrConfiguration = errors.New("configuration error")
	// ErrConsistency marks merge conflicts and invalid state changes.
	ErrConsistency = errors.New("consistency error")
	ErrNotFound    = errors.New("not found")
)

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether err should stop the whole run instead of a single unit.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
