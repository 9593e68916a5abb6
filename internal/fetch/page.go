package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openshelf/openshelf/internal/mirror"
	"github.com/openshelf/openshelf/internal/netutil"
)

// PageOptions tune one Page call.
type PageOptions struct {
	// UseBypasser routes the fetch through the bypass gateway from the
	// first attempt, for sources known to always challenge.
	UseBypasser bool
	// Selector enables mirror/DNS rotation for mirror-backed URLs.
	Selector *mirror.Selector
	// Status receives phase updates; may be nil.
	Status StatusFunc
	// NoBypassFallback makes 403 rotate mirrors instead of escalating to
	// the bypasser. Used by search-style fetches where a challenge on one
	// mirror usually means another mirror is fine.
	NoBypassFallback bool
	// Referer is sent when non-empty.
	Referer string
}

// heartbeatInterval spaces keep-alive status updates during long bypass
// operations so the task runner's stall watchdog stays quiet.
var heartbeatInterval = 30 * time.Second

// Page fetches the HTML of url. On 403 it escalates in a fixed precedence:
// first re-check the cookie jar (a concurrent download may have just solved
// this domain), then switch to the bypass gateway, then give up. That order
// matters under concurrent cookie population and must not be rearranged.
func (c *Client) Page(ctx context.Context, url string, opts PageOptions) (string, error) {
	originalURL := url
	currentURL := url
	if opts.Selector != nil {
		currentURL = opts.Selector.Rewrite(originalURL)
	}

	useBypasser := opts.UseBypasser
	retries := c.PageRetries()
	var lastErr error

	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if useBypasser && c.bypassUsable() {
			return c.bypassedPage(ctx, currentURL, opts.Status)
		}

		sentCookies := c.hasStoredCookies(currentURL)
		html, status, err := c.plainGet(ctx, currentURL, opts.Referer)
		if err == nil {
			// Be polite between scrapes.
			if c.CourtesyDelay > 0 {
				if sErr := sleepCtx(ctx, c.CourtesyDelay); sErr != nil {
					return "", sErr
				}
			}
			return html, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err

		switch {
		case status == http.StatusForbidden:
			if opts.NoBypassFallback {
				if c.rotate(opts.Selector, originalURL, &currentURL) {
					continue
				}
				log.Warn().Str("url", currentURL).Msg("403 and mirrors exhausted")
				return "", &netutil.NonRetryableError{Err: err}
			}
			if c.bypassUsable() {
				// Cookie recheck first: a concurrent bypass may have just
				// populated the jar, which is much cheaper than a browser.
				if !sentCookies && c.hasStoredCookies(currentURL) {
					log.Debug().Str("url", currentURL).Msg("403 but cookies now available, retrying with cookies")
					continue
				}
				log.Info().Str("url", currentURL).Msg("403 detected, switching to bypasser")
				if opts.Status != nil {
					opts.Status("resolving", "Bypassing protection...")
				}
				useBypasser = true
				continue
			}
			log.Warn().Str("url", currentURL).Msg("403 and no bypass available, giving up")
			return "", &netutil.NonRetryableError{Err: err}

		case status == http.StatusNotFound:
			log.Warn().Str("url", currentURL).Msg("404")
			return "", &netutil.NonRetryableError{Err: err}
		}

		if netutil.RetryableStatus(status) || netutil.IsConnectionError(err) {
			if c.rotate(opts.Selector, originalURL, &currentURL) {
				continue
			}
		}

		if attempt < retries {
			log.Warn().Str("url", currentURL).Int("attempt", attempt).Int("max", retries).Err(err).Msg("page fetch retry")
			if sErr := sleepCtx(ctx, backoffDelay(attempt, backoffBase, backoffMax)); sErr != nil {
				return "", sErr
			}
		}
	}

	return "", fmt.Errorf("page fetch failed after %d attempts: %w", retries, lastErr)
}

// plainGet performs one GET. Returns the page, or the HTTP status (0 when
// the failure was transport-level) and an error.
func (c *Client) plainGet(ctx context.Context, url, referer string) (string, int, error) {
	req, err := c.newRequest(ctx, url, referer)
	if err != nil {
		return "", 0, &netutil.NonRetryableError{Err: err}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", resp.StatusCode, &netutil.HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}
	return string(body), resp.StatusCode, nil
}

// bypassedPage routes through the gateway, emitting heartbeat status
// updates for its whole (potentially minutes-long) duration.
func (c *Client) bypassedPage(ctx context.Context, url string, status StatusFunc) (string, error) {
	if status != nil {
		status("resolving", "Bypassing protection...")
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			t := time.NewTicker(heartbeatInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					status("resolving", "Bypassing protection...")
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	html, err := c.Gateway.Fetch(ctx, url)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return html, nil
}

// rotate advances the selector and rewrites currentURL against the new
// base. Returns false when there is no selector or nothing left to try.
func (c *Client) rotate(sel *mirror.Selector, originalURL string, currentURL *string) bool {
	if sel == nil {
		return false
	}
	newBase, action := sel.Advance()
	if action == mirror.ActionExhausted || newBase == "" {
		return false
	}
	*currentURL = sel.Rewrite(originalURL)
	log.Info().Str("action", string(action)).Str("url", *currentURL).Msg("switched mirror")
	return true
}
