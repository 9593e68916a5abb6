package bypass

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/openshelf/openshelf/internal/cookiejar"
	"github.com/openshelf/openshelf/internal/logging"
)

// sessionAttempts is how many fresh browser sessions one Fetch will burn
// through before giving up.
const sessionAttempts = 2

const minSameChallengeAbort = 3

// baseDelay is the unit for human-mimicking sleeps. Tests shrink it.
var baseDelay = time.Second

// EmbeddedOptions configures the embedded gateway. The funcs are read per
// call so runtime config changes apply without rebuilding the gateway.
type EmbeddedOptions struct {
	Jar        *cookiejar.Jar
	Client     *http.Client // plain HTTP client for the cookie fast path
	NewBrowser Factory
	MaxRetries func() int           // solve-loop iterations per session
	MaxBackoff func() time.Duration // cap for the jittered backoff
}

// Embedded drives a real browser to solve challenges. One bypass session
// runs at a time process-wide; concurrent callers queue on the run lock
// and re-check the cookie jar once they get it, because the caller ahead
// of them usually solved the same domain.
type Embedded struct {
	opts EmbeddedOptions
	// runLock is a channel so acquisition can respect cancellation.
	runLock chan struct{}
	log     zerolog.Logger
}

// NewEmbedded creates the embedded gateway.
func NewEmbedded(opts EmbeddedOptions) *Embedded {
	if opts.Jar == nil || opts.Client == nil || opts.NewBrowser == nil {
		panic("bypass: NewEmbedded requires Jar, Client and NewBrowser")
	}
	if opts.MaxRetries == nil {
		opts.MaxRetries = func() int { return 10 }
	}
	if opts.MaxBackoff == nil {
		opts.MaxBackoff = func() time.Duration { return 12 * time.Second }
	}
	return &Embedded{
		opts:    opts,
		runLock: make(chan struct{}, 1),
		log:     logging.GetLogger("bypass"),
	}
}

// Fetch implements Gateway.
func (e *Embedded) Fetch(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// Fast path: cached cookies, no lock.
	if html, ok := e.tryCookies(ctx, url); ok {
		return html, nil
	}

	select {
	case e.runLock <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-e.runLock }()

	// Another caller may have solved this domain while we queued.
	if html, ok := e.tryCookies(ctx, url); ok {
		e.log.Debug().Str("url", url).Msg("cookies appeared while waiting for run lock, skipped browser")
		return html, nil
	}

	var lastReason string
	for attempt := 0; attempt < sessionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		browser, err := e.opts.NewBrowser(ctx)
		if err != nil {
			lastReason = fmt.Sprintf("browser launch: %v", err)
			e.log.Warn().Err(err).Int("attempt", attempt+1).Msg("browser launch failed")
			continue
		}

		html, err := e.solve(ctx, browser, url)
		closeErr := browser.Close()
		if closeErr != nil {
			e.log.Debug().Err(closeErr).Msg("browser teardown reported error")
		}

		if err == nil {
			return html, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastReason = err.Error()
		e.log.Warn().Str("url", url).Int("attempt", attempt+1).Str("reason", lastReason).Msg("bypass session failed")
	}

	return "", &Failure{URL: url, Reason: lastReason}
}

// tryCookies attempts a plain HTTP GET with cached cookies and the UA that
// earned them. Only a clean 200 counts.
func (e *Embedded) tryCookies(ctx context.Context, url string) (string, bool) {
	if _, ok := e.opts.Jar.Get(url); !ok {
		return "", false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	e.opts.Jar.Apply(req)

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false
	}
	return string(body), true
}

// solveMethod is one strategy in the fixed rotation, ordered from least to
// most invasive.
type solveMethod struct {
	name string
	run  func(ctx context.Context, b Browser) error
}

var methods = []solveMethod{
	{"solve", methodSolve},
	{"click", methodClick},
	{"gui-click", methodGUIClick},
	{"humanlike", methodHumanlike},
}

// solve runs the challenge-detection loop over one browser session.
func (e *Embedded) solve(ctx context.Context, b Browser, url string) (string, error) {
	if err := b.Navigate(ctx, url); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}

	maxRetries := e.opts.MaxRetries()
	sameAbort := minSameChallengeAbort
	if len(methods)+1 > sameAbort {
		// Let every method have a go before declaring the challenge stuck.
		sameAbort = len(methods) + 1
	}

	var lastFamily Family
	consecutiveSame := 0

	for try := 0; try < maxRetries; try++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page, err := b.Page(ctx)
		if err != nil {
			return "", fmt.Errorf("read page: %w", err)
		}
		if Unprotected(page) {
			e.extract(ctx, b, url)
			return page.HTML, nil
		}

		family := Detect(page)
		if family == FamilyNone {
			// Not recognizably challenged but not clean either; give the
			// page a moment to settle, then re-attach the driver.
			if err := sleepJitter(ctx, 2*baseDelay, 3*baseDelay); err != nil {
				return "", err
			}
			if page, err = b.Page(ctx); err == nil && Unprotected(page) {
				e.extract(ctx, b, url)
				return page.HTML, nil
			}
			if err := b.Reconnect(ctx); err == nil {
				if page, pErr := b.Page(ctx); pErr == nil && Unprotected(page) {
					e.extract(ctx, b, url)
					return page.HTML, nil
				}
			}
			continue
		}

		if family == lastFamily {
			consecutiveSame++
			if consecutiveSame >= sameAbort {
				return "", fmt.Errorf("same challenge (%s) on %d consecutive attempts, likely a persistent block", family, consecutiveSame)
			}
		} else {
			consecutiveSame = 1
			lastFamily = family
		}

		if try > 0 {
			if err := e.backoff(ctx, try); err != nil {
				return "", err
			}
		}

		m := methods[try%len(methods)]
		e.log.Info().Str("method", m.name).Str("family", string(family)).Int("try", try+1).Int("max", maxRetries).Msg("bypass attempt")
		if err := m.run(ctx, b); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			e.log.Debug().Err(err).Str("method", m.name).Msg("solve method failed")
		}
	}

	return "", fmt.Errorf("challenge unsolved after %d attempts", maxRetries)
}

// extract stores the session's cookies and User-Agent. Failures only cost
// the next caller a fast path, so they are logged and swallowed.
func (e *Embedded) extract(ctx context.Context, b Browser, url string) {
	cookies, err := b.Cookies(ctx)
	if err != nil {
		e.log.Debug().Err(err).Msg("cookie extraction failed")
		return
	}
	ua, err := b.UserAgent(ctx)
	if err != nil {
		e.log.Debug().Err(err).Msg("user-agent extraction failed")
		ua = ""
	}
	e.opts.Jar.Store(url, cookies, ua)
}

// backoff sleeps a jittered, attempt-scaled interval, capped.
func (e *Embedded) backoff(ctx context.Context, try int) error {
	base := 2*baseDelay + time.Duration(rand.Int64N(int64(2*baseDelay)))
	wait := time.Duration(try) * base
	if limit := e.opts.MaxBackoff(); wait > limit {
		wait = limit
	}
	return sleepCtx(ctx, wait)
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

func sleepJitter(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d += time.Duration(rand.Int64N(int64(max - min)))
	}
	return sleepCtx(ctx, d)
}

func methodSolve(ctx context.Context, b Browser) error {
	if err := b.SolveChallenge(ctx); err != nil {
		return err
	}
	return sleepJitter(ctx, 3*baseDelay, 5*baseDelay)
}

func methodClick(ctx context.Context, b Browser) error {
	for _, sel := range clickSelectors {
		visible, err := b.IsVisible(ctx, sel)
		if err != nil || !visible {
			continue
		}
		if err := b.Click(ctx, sel); err != nil {
			continue
		}
		if err := sleepJitter(ctx, 2*baseDelay, 4*baseDelay); err != nil {
			return err
		}
		if err := b.Reconnect(ctx); err == nil {
			return nil
		}
	}
	return b.Reconnect(ctx)
}

func methodGUIClick(ctx context.Context, b Browser) error {
	if err := b.GUIClickChallenge(ctx); err == nil {
		return sleepJitter(ctx, 3*baseDelay, 5*baseDelay)
	}
	for _, sel := range guiClickSelectors {
		visible, err := b.IsVisible(ctx, sel)
		if err != nil || !visible {
			continue
		}
		if err := b.Click(ctx, sel); err != nil {
			continue
		}
		return sleepJitter(ctx, 3*baseDelay, 5*baseDelay)
	}
	return nil
}

// methodHumanlike mimics a person idling on the page: pauses, a driver
// re-attach, then the built-in solver.
func methodHumanlike(ctx context.Context, b Browser) error {
	if err := sleepJitter(ctx, baseDelay/2, 3*baseDelay/2); err != nil {
		return err
	}
	if err := b.Reconnect(ctx); err != nil {
		return err
	}
	if err := sleepJitter(ctx, baseDelay, 2*baseDelay); err != nil {
		return err
	}
	return b.SolveChallenge(ctx)
}
