package source

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/openshelf/openshelf/internal/fetch"
	"github.com/openshelf/openshelf/internal/netutil"
	"golang.org/x/net/html"
)

var (
	clipboardPattern = regexp.MustCompile(`navigator\.clipboard\.writeText\(['"]([^'"]+)['"]\)`)
	locationPattern  = regexp.MustCompile(`window\.location\.href\s*=\s*['"]([^'"]+)['"]`)
)

// maxLandingLaps bounds re-fetching after countdown waits; a page still
// showing a countdown after this many waited laps is treated as broken.
const maxLandingLaps = 3

// resolveSlowDownload turns a partner-server landing page into the direct
// file link, waiting out the server's countdown when one is announced.
// label prefixes the per-second status updates so the user can see which
// server they are waiting on.
func resolveSlowDownload(ctx context.Context, d Deps, r *Resolution, landingURL, label string) (string, error) {
	for lap := 0; lap < maxLandingLaps; lap++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page, err := d.Fetch.Page(ctx, landingURL, fetch.PageOptions{
			Selector: r.Selector,
			Status:   r.Status,
		})
		if err != nil {
			return "", err
		}

		doc, err := parseDoc(page)
		if err != nil {
			return "", fmt.Errorf("parse landing page: %w", err)
		}

		if link := extractDirectLink(doc, page); link != "" {
			return netutil.AbsoluteURL(landingURL, link), nil
		}

		seconds := extractCountdown(doc, page)
		if seconds == 0 {
			log.Warn().Str("url", landingURL).Msg("no download link or countdown on landing page")
			return "", fmt.Errorf("no download link on landing page")
		}

		capSeconds := int(time.Duration(r.Cfg.MaxCountdownWait).Seconds())
		if seconds > capSeconds {
			log.Warn().Int("countdown", seconds).Int("cap", capSeconds).Msg("countdown exceeds cap")
			seconds = capSeconds
		}
		log.Info().Int("seconds", seconds).Str("url", landingURL).Msg("waiting out partner countdown")
		if err := waitCountdown(ctx, r, seconds, label); err != nil {
			return "", err
		}
		if label != "" {
			r.status("resolving", label+" - Fetching")
		}
	}
	return "", fmt.Errorf("landing page kept presenting countdowns")
}

// countdownTick is the wall-clock length of one countdown second. Shrunk
// in tests.
var countdownTick = time.Second

// waitCountdown sleeps the wait one second at a time, surfacing the
// remaining time and aborting promptly on cancellation.
func waitCountdown(ctx context.Context, r *Resolution, seconds int, label string) error {
	t := time.NewTicker(countdownTick)
	defer t.Stop()
	for remaining := seconds; remaining > 0; remaining-- {
		msg := fmt.Sprintf("Waiting %ds", remaining)
		if label != "" {
			msg = label + " - " + msg
		}
		r.status("resolving", msg)
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// extractDirectLink tries the known shapes of a ready partner page in
// order: the copy-to-clipboard URL, the "Download now" anchor, anchors
// with a download attribute, URL-bearing spans, and a scripted redirect.
// Links still pointing at a landing page are not direct links.
func extractDirectLink(doc *html.Node, page string) string {
	if m := clipboardPattern.FindStringSubmatch(page); m != nil {
		if isDirectFileURL(m[1]) {
			return m[1]
		}
	}

	for _, a := range anchors(doc) {
		if strings.Contains(nodeText(a), "Download now") {
			return attr(a, "href")
		}
	}

	for _, a := range anchors(doc) {
		if hasAttr(a, "download") && isDirectFileURL(attr(a, "href")) {
			return attr(a, "href")
		}
	}

	for _, n := range findAll(doc, func(n *html.Node) bool {
		return isElement(n, "span") &&
			(classContains(n, "whitespace-normal") || classContains(n, "bg-gray-200"))
	}) {
		text := nodeText(n)
		if strings.HasPrefix(text, "http") && !strings.Contains(text, "/slow_download/") {
			return text
		}
	}

	if m := locationPattern.FindStringSubmatch(page); m != nil {
		if isDirectFileURL(m[1]) {
			return m[1]
		}
	}

	return ""
}

func isDirectFileURL(u string) bool {
	return strings.HasPrefix(u, "http") && !strings.Contains(u, "/slow_download/")
}
