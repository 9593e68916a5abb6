package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"syscall"
	"testing"
)

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !RetryableStatus(code) {
			t.Errorf("RetryableStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 301, 403, 404, 416, 501} {
		if RetryableStatus(code) {
			t.Errorf("RetryableStatus(%d) = true, want false", code)
		}
	}
}

func TestAbandonStatus(t *testing.T) {
	if !AbandonStatus(429) {
		t.Error("429 must abandon the URL")
	}
	if AbandonStatus(503) {
		t.Error("503 is retryable, not abandon")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"reset", syscall.ECONNRESET, true},
		{"refused", syscall.ECONNREFUSED, true},
		{"truncated body", io.ErrUnexpectedEOF, true},
		{"net timeout", timeoutErr{}, true},
		{"wrapped in url.Error", &url.Error{Op: "Get", URL: "http://x", Err: syscall.ECONNRESET}, true},
		{"plain error", errors.New("boom"), false},
		{"status error", &HTTPStatusError{StatusCode: 500, URL: "http://x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(context.DeadlineExceeded) {
		t.Error("DeadlineExceeded is a timeout")
	}
	if !IsTimeout(fmt.Errorf("wrap: %w", context.DeadlineExceeded)) {
		t.Error("wrapped DeadlineExceeded is a timeout")
	}
	if IsTimeout(syscall.ECONNRESET) {
		t.Error("reset is not a timeout")
	}
}

func TestNonRetryableErrorUnwrap(t *testing.T) {
	inner := errors.New("404 not found")
	err := fmt.Errorf("context: %w", &NonRetryableError{Err: inner})

	var nr *NonRetryableError
	if !errors.As(err, &nr) {
		t.Fatal("errors.As failed to find NonRetryableError")
	}
	if !errors.Is(err, inner) {
		t.Fatal("Unwrap chain broken")
	}
}
