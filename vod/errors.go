package vod

import (
	"context"
	"errors"
	"strings"

	"github.com/Brisppy/twitch-archiver/download"
	"github.com/Brisppy/twitch-archiver/merge"
)

// ErrorClass represents whether a failed target should be retried.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure; the target stays
	// queued and a later cycle picks it up again.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the target cannot succeed without operator
	// intervention; its lock stays held and a notification is sent.
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyError sorts pipeline failures into retryable vs fatal.
//
// Fatal:
// - pipeline sentinels: manifest gone, corrupt-segment budget exceeded,
//   unsupported live segment durations, artifact duration mismatch
// - authentication/authorization failures (subscriber-only, 401/403)
// - content permanently gone (404, deleted)
//
// Retryable:
// - network errors, server 5xx, rate limiting
// - anything unrecognized, so a transient failure never strands a target
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	switch {
	case errors.Is(err, download.ErrManifestUnavailable),
		errors.Is(err, download.ErrTooManyCorruptSegments),
		errors.Is(err, download.ErrUnsupportedSegmentDuration),
		errors.Is(err, merge.ErrDurationMismatch):
		return ErrorClassFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())

	// Server errors before the generic patterns; "503" must not match the
	// not-found checks below.
	for _, p := range []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	for _, p := range []string{"subscriber-only", "only available to subscribers", "login required", "authentication required", "401", "403", "access denied", "unauthorized"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}

	for _, p := range []string{"404", "not found", "deleted", "no longer available", "does not exist"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}

	for _, p := range []string{"connection reset", "connection refused", "connection timed out", "timeout", "temporary failure in name resolution", "no route to host", "network unreachable", "dns", "eof", "broken pipe"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	for _, p := range []string{"429", "too many requests", "rate limit", "throttled"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	// Unknown errors retry so a transient failure never strands a target.
	return ErrorClassRetryable
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool {
	return ClassifyError(err) == ErrorClassRetryable
}

// IsFatalError checks if an error requires operator intervention.
func IsFatalError(err error) bool {
	return ClassifyError(err) == ErrorClassFatal
}
