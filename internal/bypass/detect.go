package bypass

import "strings"

// Family classifies a protection challenge.
type Family string

const (
	FamilyNone       Family = "none"
	FamilyCloudflare Family = "cloudflare"
	FamilyDDoSGuard  Family = "ddos_guard"
)

var cloudflareIndicators = []string{
	"just a moment",
	"verify you are human",
	"verifying you are human",
	"cloudflare.com/products/turnstile",
}

var ddosGuardIndicators = []string{
	"ddos-guard",
	"ddos guard",
	"checking your browser before accessing",
	"complete the manual check to continue",
	"could not verify your browser automatically",
}

// indicatorIn returns the first indicator present in title or body.
func indicatorIn(title, body string, indicators []string) string {
	for _, ind := range indicators {
		if strings.Contains(title, ind) || strings.Contains(body, ind) {
			return ind
		}
	}
	return ""
}

func hasCloudflarePatterns(body, pageURL string) bool {
	return strings.Contains(body, "cf-") ||
		strings.Contains(strings.ToLower(pageURL), "cloudflare") ||
		strings.Contains(pageURL, "/cdn-cgi/")
}

// Detect classifies the challenge on a page. DDoS-Guard is checked first:
// its interstitials sometimes embed Cloudflare-looking markup.
func Detect(page PageInfo) Family {
	title := strings.ToLower(page.Title)
	body := strings.ToLower(page.HTML)

	if indicatorIn(title, body, ddosGuardIndicators) != "" {
		return FamilyDDoSGuard
	}
	if indicatorIn(title, body, cloudflareIndicators) != "" {
		return FamilyCloudflare
	}
	if hasCloudflarePatterns(body, page.URL) {
		return FamilyCloudflare
	}
	return FamilyNone
}

// Unprotected reports whether the page looks like real content rather than
// a challenge interstitial or a page still loading.
func Unprotected(page PageInfo) bool {
	body := strings.TrimSpace(page.HTML)

	// Challenge pages are small; substantial content wins outright.
	if len(body) > 100_000 {
		return true
	}

	lowerTitle := strings.ToLower(page.Title)
	lowerBody := strings.ToLower(body)
	if indicatorIn(lowerTitle, lowerBody, ddosGuardIndicators) != "" {
		return false
	}
	if indicatorIn(lowerTitle, lowerBody, cloudflareIndicators) != "" {
		return false
	}
	if hasCloudflarePatterns(lowerBody, page.URL) {
		return false
	}

	// Near-empty page: still loading.
	return len(body) >= 50
}
