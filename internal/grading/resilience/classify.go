package resilience

import (
	"context"
	"errors"

	appErr "gradeflow/pkg/errors"
)

// Class partitions failures by how the pipeline should react to them.
type Class int

const (
	// ClassTransient failures (timeouts, rate limits) are retried with
	// backoff, then isolated if still failing.
	ClassTransient Class = iota

	// ClassStructural failures (malformed data, unparseable responses)
	// are isolated immediately; retrying a deterministic failure wastes budget.
	ClassStructural

	// ClassConsistency failures (merge conflicts, boundary disagreement)
	// are logged as warnings and resolved by documented tie-break rules.
	ClassConsistency

	// ClassFatal failures (resource exhaustion, checkpoint store down)
	// abort the run after a best-effort partial-result save.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassStructural:
		return "structural"
	case ClassConsistency:
		return "consistency"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps an error to its failure class.
// Unknown errors default to transient so they get at least one retry cycle.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	switch appErr.GetCode(err) {
	case appErr.Timeout, appErr.GradingTimeout,
		appErr.TooManyRequests, appErr.ModelRateLimited,
		appErr.ServiceUnavailable, appErr.ModelUnavailable,
		appErr.GradeFailed, appErr.CacheError, appErr.DatabaseError:
		return ClassTransient

	case appErr.PageMalformed, appErr.PageTooLarge,
		appErr.RubricMalformed, appErr.RubricParseFailed,
		appErr.ModelResponseInvalid, appErr.InvalidFormat,
		appErr.MergeInputInvalid, appErr.ValidationFailed:
		return ClassStructural

	case appErr.MergeConflict, appErr.BoundaryInconsistent,
		appErr.AggregationInvariant:
		return ClassConsistency

	case appErr.ResourceExhausted,
		appErr.CheckpointSaveFailed, appErr.CheckpointLoadFailed:
		return ClassFatal
	}
	return ClassTransient
}

// Retryable reports whether the error deserves another attempt.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
