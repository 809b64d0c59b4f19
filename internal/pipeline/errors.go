package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind buckets operation errors for retry decisions.
type FailureKind string

// Failure kinds, from most to least retryable.
const (
	// FailTransient covers network and service errors; retried with backoff.
	FailTransient FailureKind = "transient_io"
	// FailQuota marks rate-limit or quota violations; retried after a
	// forced delay.
	FailQuota FailureKind = "quota_exceeded"
	// FailStorage marks checkpoint or batch destination unavailability;
	// retryable at the batch level, fatal once retries are exhausted.
	FailStorage FailureKind = "storage_unavailable"
	// FailMalformed marks bad input; terminal on the first attempt.
	FailMalformed FailureKind = "malformed_input"
	// FailCanceled is not a failure: the item returns to pending.
	FailCanceled FailureKind = "canceled"
)

// Failure wraps an error with its taxonomy kind.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient wraps err as a retryable I/O failure.
func Transient(err error) error {
	return &Failure{Kind: FailTransient, Err: err}
}

// Quota wraps err as an external quota violation.
func Quota(err error) error {
	return &Failure{Kind: FailQuota, Err: err}
}

// Storage wraps err as a storage availability failure.
func Storage(err error) error {
	return &Failure{Kind: FailStorage, Err: err}
}

// Malformed wraps err as a terminal bad-input failure.
func Malformed(err error) error {
	return &Failure{Kind: FailMalformed, Err: err}
}

// Canceled wraps err as a cancellation, which is not a failure.
func Canceled(err error) error {
	return &Failure{Kind: FailCanceled, Err: err}
}

// KindOf returns the failure kind for err. Context cancellation maps to
// FailCanceled, a deadline to FailTransient (a timed-out attempt is retried,
// a canceled run is not). Unclassified errors are treated as transient so an
// unknown fault never strands an item terminally by accident.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return FailCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailTransient
	}
	return FailTransient
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case FailTransient, FailQuota, FailStorage:
		return true
	default:
		return false
	}
}
