// Package fetch performs the cascade's HTTP work: page fetches with
// protection-aware escalation, and resumable streaming downloads with
// payload validation.
package fetch

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/openshelf/openshelf/internal/bypass"
	"github.com/openshelf/openshelf/internal/cookiejar"
	"github.com/openshelf/openshelf/internal/logging"
)

// StatusFunc receives coarse phase updates ("resolving", "downloading")
// with an optional human-readable message. Must be cheap; called often.
type StatusFunc func(phase, message string)

// ProgressFunc receives download progress as a 0-100 percentage.
type ProgressFunc func(percent float64)

// Client bundles the HTTP client, the protection state and the knobs the
// fetch paths need. Config funcs are read per call.
type Client struct {
	HTTP    *http.Client
	Jar     *cookiejar.Jar
	Gateway bypass.Gateway // nil when no bypass capability is wired

	BypassEnabled func() bool
	PageRetries   func() int
	Attempts      func() int // top-level download attempts
	Resumes       func() int // resume attempts per download
	UserAgent     func() string

	// CourtesyDelay is slept after every successful plain page fetch so
	// scrapes don't hammer upstreams. Zero disables it.
	CourtesyDelay time.Duration
}

// browserHeaders make plain requests look like an ordinary browser.
var browserHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.5",
	"Connection":                "keep-alive",
	"Upgrade-Insecure-Requests": "1",
}

func (c *Client) newRequest(ctx context.Context, url, referer string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", c.UserAgent())
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	// Cookies and the UA that earned them, when a bypass already ran for
	// this domain.
	if c.BypassEnabled() && c.Jar != nil {
		c.Jar.Apply(req)
	}
	return req, nil
}

// Get performs one browser-headed GET with no retry or escalation policy.
// For callers that implement their own failure handling. The caller owns
// the response body.
func (c *Client) Get(ctx context.Context, url, referer string) (*http.Response, error) {
	req, err := c.newRequest(ctx, url, referer)
	if err != nil {
		return nil, err
	}
	return c.HTTP.Do(req)
}

// hasStoredCookies reports whether the jar holds valid cookies for url.
func (c *Client) hasStoredCookies(url string) bool {
	if c.Jar == nil {
		return false
	}
	_, ok := c.Jar.Get(url)
	return ok
}

func (c *Client) bypassUsable() bool {
	return c.Gateway != nil && c.BypassEnabled()
}

var log = logging.GetLogger("fetch")

// Backoff bases and caps for failed attempts. Resume retries wait longer;
// a server that just dropped a connection needs more room than one that
// returned a retryable status. Vars so tests can shrink them.
var (
	backoffBase = 250 * time.Millisecond
	backoffMax  = 3 * time.Second

	resumeBackoffBase = 500 * time.Millisecond
	resumeBackoffMax  = 5 * time.Second
)

// backoffDelay is exponential with jitter: base*2^(attempt-1) capped, plus
// up to one base of noise.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > limit || d <= 0 {
		d = limit
	}
	return d + time.Duration(rand.Int64N(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
