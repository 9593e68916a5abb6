package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/openshelf/openshelf/internal/cookiejar"
	"github.com/openshelf/openshelf/internal/mirror"
	"github.com/openshelf/openshelf/internal/netutil"
)

const chunkSize = 8192

// DownloadOptions tune one Download call.
type DownloadOptions struct {
	// ExpectedSize in bytes; 0 means unknown. Used for progress and for
	// the disguised-error-page check.
	ExpectedSize int64
	// Referer is sent with every request; landing pages often gate the
	// file behind it.
	Referer  string
	Selector *mirror.Selector
	Progress ProgressFunc
	Status   StatusFunc
}

// Download streams the file at link into memory, resuming interrupted
// transfers with Range requests. A nil error means the buffer holds the
// complete (or 90%-validated) payload. 429 and timeouts abandon the URL
// immediately so the cascade can move on; waiting out a rate limit rarely
// helps when concurrent downloads share the upstream.
func (c *Client) Download(ctx context.Context, link string, opts DownloadOptions) (*bytes.Buffer, error) {
	currentURL := link
	if opts.Selector != nil {
		currentURL = opts.Selector.Rewrite(link)
	}

	totalSize := opts.ExpectedSize
	maxAttempts := c.Attempts()
	cookieRefreshDone := false
	var lastErr error

	for attempt := 0; attempt < maxAttempts; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if attempt > 0 && opts.Status != nil {
			opts.Status("resolving", fmt.Sprintf("Connecting (Attempt %d/%d)", attempt+1, maxAttempts))
		}
		log.Info().Str("url", currentURL).Int("attempt", attempt+1).Int("max", maxAttempts).Msg("downloading")

		buf := &bytes.Buffer{}
		downloaded, status, err := c.stream(ctx, currentURL, opts, buf, &totalSize)
		if err == nil {
			return buf, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		// Full-session domains sometimes rot mid-session; one cookie
		// refresh through the landing page before treating 403 as final.
		if status == http.StatusForbidden && !cookieRefreshDone && c.bypassUsable() &&
			opts.Referer != "" && cookiejar.NeedsFullSession(netutil.ExtractDomain(currentURL)) {
			cookieRefreshDone = true
			log.Info().Str("referer", opts.Referer).Msg("403 from session-bound host, refreshing cookies via referer")
			if _, bErr := c.Gateway.Fetch(ctx, opts.Referer); bErr == nil {
				continue // retry without consuming an attempt
			} else if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		if status == http.StatusForbidden || status == http.StatusNotFound {
			log.Warn().Int("status", status).Str("url", currentURL).Msg("download failed")
			return nil, &netutil.NonRetryableError{Err: err}
		}

		if netutil.AbandonStatus(status) {
			log.Info().Str("url", currentURL).Msg("rate limited, trying next source")
			if opts.Status != nil {
				opts.Status("resolving", "Server busy, trying next")
			}
			return nil, err
		}

		if netutil.IsTimeout(err) {
			log.Warn().Str("url", currentURL).Msg("timeout, skipping to next source")
			if opts.Status != nil {
				opts.Status("resolving", "Server timed out, trying next")
			}
			return nil, err
		}

		retryable := netutil.RetryableStatus(status) || netutil.IsConnectionError(err)

		if downloaded > 0 && retryable {
			if resumed, rErr := c.resume(ctx, currentURL, opts, buf, downloaded, totalSize); rErr == nil {
				return resumed, nil
			} else if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}

		if downloaded == 0 && retryable {
			if c.rotate(opts.Selector, link, &currentURL) {
				attempt++
				continue
			}
		}

		log.Warn().Err(err).Str("url", currentURL).Msg("download error")
		attempt++
		if attempt < maxAttempts {
			if sErr := sleepCtx(ctx, backoffDelay(attempt, backoffBase, backoffMax)); sErr != nil {
				return nil, sErr
			}
		}
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", maxAttempts, lastErr)
}

// stream performs one GET and copies the body into buf chunk by chunk.
// Returns bytes written, the HTTP status (0 for transport failures) and an
// error if the payload is incomplete or invalid.
func (c *Client) stream(ctx context.Context, url string, opts DownloadOptions, buf *bytes.Buffer, totalSize *int64) (int64, int, error) {
	req, err := c.newRequest(ctx, url, opts.Referer)
	if err != nil {
		return 0, 0, &netutil.NonRetryableError{Err: err}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, resp.StatusCode, &netutil.HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	if opts.Status != nil {
		opts.Status("downloading", "")
	}
	if *totalSize == 0 && resp.ContentLength > 0 {
		*totalSize = resp.ContentLength
	}

	downloaded, err := copyChunks(ctx, buf, resp.Body, *totalSize, 0, opts.Progress)
	if err != nil {
		return downloaded, 0, err
	}

	// A payload well short of the declared size that came back as HTML is
	// an error page wearing the file's URL.
	if *totalSize > 0 && downloaded < (*totalSize*9)/10 {
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
			log.Warn().Str("url", url).Msg("received HTML instead of file")
			return downloaded, 0, &netutil.NonRetryableError{Err: fmt.Errorf("disguised error page (%d of %d bytes, text/html)", downloaded, *totalSize)}
		}
		return downloaded, 0, fmt.Errorf("incomplete payload: %d of %d bytes", downloaded, *totalSize)
	}

	log.Debug().Int64("bytes", downloaded).Msg("download completed")
	return downloaded, resp.StatusCode, nil
}

// resume continues an interrupted transfer with Range requests. A 200
// (server ignores the range) or a 416 abort resume entirely.
func (c *Client) resume(ctx context.Context, url string, opts DownloadOptions, buf *bytes.Buffer, startByte, totalSize int64) (*bytes.Buffer, error) {
	maxResumes := c.Resumes()
	for attempt := 1; attempt <= maxResumes; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Info().Int64("from", startByte).Int("attempt", attempt).Int("max", maxResumes).Msg("resuming download")
		if err := sleepCtx(ctx, backoffDelay(attempt, resumeBackoffBase, resumeBackoffMax)); err != nil {
			return nil, err
		}

		req, err := c.newRequest(ctx, url, opts.Referer)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Range", "bytes="+strconv.FormatInt(startByte, 10)+"-")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("resume attempt failed")
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			resp.Body.Close()
			log.Info().Msg("server does not support resume")
			return nil, fmt.Errorf("resume unsupported by server")
		case http.StatusRequestedRangeNotSatisfiable:
			resp.Body.Close()
			log.Warn().Msg("range not satisfiable")
			return nil, fmt.Errorf("range not satisfiable")
		case http.StatusPartialContent:
			// expected
		default:
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			log.Debug().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("resume attempt failed")
			continue
		}

		n, err := copyChunks(ctx, buf, resp.Body, totalSize, startByte, opts.Progress)
		resp.Body.Close()
		startByte += n
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Debug().Err(err).Int("attempt", attempt).Msg("resume attempt failed")
			continue
		}

		log.Info().Int64("bytes", startByte).Msg("resume completed")
		return buf, nil
	}
	return nil, fmt.Errorf("resume failed after %d attempts", maxResumes)
}

// copyChunks copies src into dst in fixed-size chunks, reporting progress
// against totalSize and honoring cancellation between chunks.
func copyChunks(ctx context.Context, dst *bytes.Buffer, src io.Reader, totalSize, offset int64, progress ProgressFunc) (int64, error) {
	chunk := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(chunk)
		if n > 0 {
			dst.Write(chunk[:n])
			written += int64(n)
			if progress != nil && totalSize > 0 {
				progress(float64(offset+written) * 100.0 / float64(totalSize))
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
