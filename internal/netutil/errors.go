package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// HTTPStatusError indicates the server responded, but with an unexpected
// HTTP status code.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("netutil: unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError indicates a failure that retrying the same URL cannot
// fix: request setup errors, 403, 404. Callers escalate (bypass, next
// source) instead of retrying.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("netutil: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// RetryableStatus reports whether an HTTP status code is worth retrying the
// same URL for. 429 is retryable at the transfer layer but callers abandon
// the URL instead, see AbandonStatus.
func RetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// AbandonStatus reports whether a status code means the current source URL
// should be abandoned in favor of the next source rather than retried;
// waiting rarely helps when the upstream is rate-limiting under load.
func AbandonStatus(code int) bool {
	return code == 429
}

// IsConnectionError reports whether err is a transport-level failure
// (reset, refused, timeout, truncated body) as opposed to a clean HTTP
// response or a cancellation.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return IsConnectionError(urlErr.Err)
	}
	return false
}

// IsTimeout reports whether err is a timeout, including a context deadline
// expiring mid-request.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
