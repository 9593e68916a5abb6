package source

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Partner pages announce their wait several different ways depending on
// page generation; every known marker is tried in order. A value outside
// (0, 300) is noise (ad timers, years in scripts) and is ignored.
var countdownPatterns = []*regexp.Regexp{
	regexp.MustCompile(`data-countdown=["'](\d+)["']`),
	regexp.MustCompile(`countdown:\s*(\d+)`),
	regexp.MustCompile(`(?:var|let|const)\s+countdown\s*=\s*(\d+)`),
	regexp.MustCompile(`countdownSeconds\s*=\s*(\d+)`),
	regexp.MustCompile(`["']countdown[_-]?seconds["']\s*:\s*(\d+)`),
	regexp.MustCompile(`(?i)wait\s+(\d+)\s+seconds`),
}

const maxPlausibleCountdown = 300

// extractCountdown returns the server-imposed wait in seconds, or 0 when
// the page carries no (plausible) countdown.
func extractCountdown(doc *html.Node, page string) int {
	for _, n := range findAll(doc, func(n *html.Node) bool {
		if !isElement(n, "span") && !isElement(n, "div") {
			return false
		}
		class := strings.ToLower(attr(n, "class"))
		return strings.Contains(class, "js-partner-countdown") ||
			strings.Contains(class, "countdown") ||
			strings.Contains(class, "timer")
	}) {
		if s := plausibleSeconds(nodeText(n)); s > 0 {
			return s
		}
	}

	for _, p := range countdownPatterns {
		if m := p.FindStringSubmatch(page); m != nil {
			if s := plausibleSeconds(m[1]); s > 0 {
				return s
			}
		}
	}
	return 0
}

func plausibleSeconds(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v <= 0 || v >= maxPlausibleCountdown {
		return 0
	}
	return v
}
