package bypass

import (
	"context"

	"github.com/openshelf/openshelf/internal/cookiejar"
)

// PageInfo is a snapshot of the browser's current page.
type PageInfo struct {
	HTML  string
	Title string
	URL   string
}

// Browser is the injected browser-driving capability. Implementations wrap
// a real automation driver; the gateway only depends on these primitives
// and treats every call as fallible.
type Browser interface {
	// Navigate opens the URL and waits for the initial load.
	Navigate(ctx context.Context, url string) error
	// Page returns the current page snapshot.
	Page(ctx context.Context) (PageInfo, error)
	// SolveChallenge invokes the driver's built-in challenge solver.
	SolveChallenge(ctx context.Context) error
	// IsVisible reports whether a selector matches a visible element.
	IsVisible(ctx context.Context, selector string) (bool, error)
	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
	// GUIClickChallenge clicks the challenge widget with simulated mouse
	// movement, the most human-like interaction available.
	GUIClickChallenge(ctx context.Context) error
	// Reconnect re-attaches the driver to the page; some protections only
	// release after the automation socket drops and returns.
	Reconnect(ctx context.Context) error
	// Cookies returns the session's cookies.
	Cookies(ctx context.Context) ([]cookiejar.Cookie, error)
	// UserAgent returns the User-Agent the session presents.
	UserAgent(ctx context.Context) (string, error)
	// Close tears the session down, including any lingering protocol
	// sockets and helper processes.
	Close() error
}

// Factory creates a fresh browser session. Sessions are never reused
// across attempts; compounding automation state makes detection easier.
type Factory func(ctx context.Context) (Browser, error)

// Selectors the click-based solving methods probe, in order.
var clickSelectors = []string{
	"#turnstile-widget div",
	"#cf-turnstile div",
	"iframe[src*='challenges']",
	"input[type='checkbox']",
	"[class*='checkbox']",
	"#challenge-running",
}

var guiClickSelectors = []string{
	"#turnstile-widget div",
	"#cf-turnstile div",
	"#challenge-stage div",
	"input[type='checkbox']",
	"[class*='cb-i']",
}
