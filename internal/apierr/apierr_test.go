package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/maruel/marketbff/internal/blobstore"
	"github.com/maruel/marketbff/internal/records"
)

func TestFromError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		err    error
		status int
		code   Code
	}{
		{"not found", fmt.Errorf("chat booking CHAT-X: %w", records.ErrRecordNotFound), http.StatusNotFound, CodeNotFound},
		{"conflict", fmt.Errorf("giving up after 5 attempts: %w", &blobstore.ConflictError{Path: "p"}), http.StatusConflict, CodeConflict},
		{"unavailable", &blobstore.UnavailableError{Op: "read", Path: "p", Status: 502, Err: errors.New("bad gateway")}, http.StatusServiceUnavailable, CodeUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, CodeUnavailable},
		{"canceled while backing off", fmt.Errorf("data/chats.json: %w", context.Canceled), http.StatusServiceUnavailable, CodeUnavailable},
		{"unsupported", errors.ErrUnsupported, http.StatusNotImplemented, CodeNotImplemented},
		{"body", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, CodeBodyTooLarge},
		{"passthrough", MissingField("phone"), http.StatusBadRequest, CodeMissingField},
		{"other", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FromError(tt.err)
			if got.StatusCode() != tt.status || got.Code() != tt.code {
				t.Errorf("FromError(%v) = %d %s, want %d %s", tt.err, got.StatusCode(), got.Code(), tt.status, tt.code)
			}
		})
	}
}

func TestMessageHidesCause(t *testing.T) {
	t.Parallel()
	e := Internal("Internal server error").Wrap(errors.New("password=hunter2"))
	if e.Message() != "Internal server error" {
		t.Errorf("Message() = %q", e.Message())
	}
	if !errors.Is(e, e.Unwrap()) || e.Error() != "Internal server error: password=hunter2" {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestTooManyRequests(t *testing.T) {
	t.Parallel()
	e := TooManyRequests(2400 * time.Millisecond)
	if got := e.Details()["retry_after_seconds"]; got != 2 {
		t.Errorf("retry_after_seconds = %v", got)
	}
}
