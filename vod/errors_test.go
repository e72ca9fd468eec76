package vod

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Brisppy/twitch-archiver/download"
	"github.com/Brisppy/twitch-archiver/merge"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorClassRetryable, "retryable"},
		{ErrorClassFatal, "fatal"},
		{ErrorClassUnknown, "unknown"},
		{ErrorClass(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.class.String()
			if got != tt.want {
				t.Errorf("ErrorClass.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifySentinels_Fatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"manifest unavailable", download.ErrManifestUnavailable},
		{"wrapped manifest unavailable", fmt.Errorf("resolve vod 123: %w", download.ErrManifestUnavailable)},
		{"corrupt budget exceeded", download.ErrTooManyCorruptSegments},
		{"unsupported segment duration", download.ErrUnsupportedSegmentDuration},
		{"duration mismatch", merge.ErrDurationMismatch},
		{"wrapped duration mismatch", fmt.Errorf("verify artifact: %w", merge.ErrDurationMismatch)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrorClassFatal {
				t.Errorf("ClassifyError(%v) = %v, want fatal", tt.err, got)
			}
		})
	}
}

func TestClassifyError_Fatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"subscriber-only", errors.New("this video is subscriber-only")},
		{"login required", errors.New("login required to access this content")},
		{"authentication required", errors.New("authentication required for this resource")},
		{"401 unauthorized", errors.New("helix request /helix/videos failed: 401 Unauthorized")},
		{"403 forbidden", errors.New("segment fetch failed: 403 Forbidden")},
		{"access denied", errors.New("access denied to video content")},

		{"404 not found", errors.New("manifest fetch failed: 404 Not Found")},
		{"video deleted", errors.New("video has been deleted by the creator")},
		{"no longer available", errors.New("this video is no longer available")},
		{"does not exist", errors.New("video does not exist")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrorClassFatal {
				t.Errorf("ClassifyError(%v) = %v, want fatal", tt.err, got)
			}
		})
	}
}

func TestClassifyError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"500", errors.New("segment fetch failed: 500 Internal Server Error")},
		{"502", errors.New("502 Bad Gateway")},
		{"503", errors.New("usher request failed: 503 Service Unavailable")},
		{"connection reset", errors.New("read tcp: connection reset by peer")},
		{"connection refused", errors.New("dial tcp: connection refused")},
		{"timeout", errors.New("context deadline exceeded (Client.Timeout exceeded)")},
		{"dns", errors.New("lookup usher.ttvnw.net: temporary failure in name resolution")},
		{"eof", errors.New("unexpected EOF")},
		{"429", errors.New("429 Too Many Requests")},
		{"rate limit", errors.New("rate limit exceeded, retry later")},
		{"context canceled", context.Canceled},
		{"deadline exceeded", context.DeadlineExceeded},
		{"unknown", errors.New("something unexpected happened")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != ErrorClassRetryable {
				t.Errorf("ClassifyError(%v) = %v, want retryable", tt.err, got)
			}
		})
	}
}

// A 503 from a proxy often carries "not found"-adjacent wording; the server
// error patterns must win.
func TestClassifyError_ServerErrorBeatsNotFound(t *testing.T) {
	err := errors.New("503 service unavailable: upstream not found")
	if got := ClassifyError(err); got != ErrorClassRetryable {
		t.Errorf("ClassifyError(%v) = %v, want retryable", err, got)
	}
}

func TestIsRetryableAndFatalHelpers(t *testing.T) {
	if !IsRetryableError(errors.New("connection refused")) {
		t.Error("connection refused should be retryable")
	}
	if IsFatalError(errors.New("connection refused")) {
		t.Error("connection refused should not be fatal")
	}
	if !IsFatalError(download.ErrTooManyCorruptSegments) {
		t.Error("corrupt budget sentinel should be fatal")
	}
	if IsRetryableError(nil) {
		t.Error("nil error should not be retryable")
	}
}
