package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/openshelf/openshelf/internal/metadata"
)

// Libgen serves books from a single libgen mirror via its ads.php page,
// which carries a keyed get.php link behind a GET button. No bypass, no
// retry machinery: a mirror that does not answer cleanly on the first try
// is not worth waiting for when the next one is one cascade step away.
type Libgen struct {
	SourceID string
	Base     string
}

func (s *Libgen) ID() string           { return s.SourceID }
func (s *Libgen) RequiresBypass() bool { return false }

func (s *Libgen) Candidates(ctx context.Context, d Deps, r *Resolution, book *metadata.Book) ([]string, error) {
	return []string{s.Base + "/ads.php?md5=" + book.ID}, nil
}

// getLinkPatterns match the keyed get.php link across the page layouts the
// mirrors serve, from the canonical GET button markup down to a bare keyed
// href.
var getLinkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<a\s+href=["']([^"']*get\.php\?md5=[^"']+&key=[^"']+)["'][^>]*>\s*<h2[^>]*>GET</h2>\s*</a>`),
	regexp.MustCompile(`(?i)<a[^>]+href=["']([^"']*get\.php\?md5=[^"']+&(?:amp;)?key=[^"']+)["']`),
	regexp.MustCompile(`(?i)<a\s+href=["']([^"']*get\.php[^"']*)["'][^>]*>[\s\S]*?<h2[^>]*>GET</h2>`),
	regexp.MustCompile(`(?i)href=["']([^"']*get\.php\?[^"']*md5=[^"']*&[^"']*key=[^"']+)["']`),
}

func (s *Libgen) DirectLink(ctx context.Context, d Deps, r *Resolution, candidate string, book *metadata.Book, label string) (string, error) {
	resp, err := d.Fetch.Get(ctx, candidate, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ads page returned %d", resp.StatusCode)
	}

	// Some mirrors redirect dead MD5s to an unrelated landing site.
	finalURL := strings.ToLower(resp.Request.URL.String())
	if !strings.Contains(finalURL, "libgen") && !strings.Contains(finalURL, "ads.php") {
		return "", fmt.Errorf("ads page redirected away to %s", resp.Request.URL)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	page := string(raw)
	if !strings.Contains(page, "get.php") {
		return "", fmt.Errorf("ads page carries no download link")
	}

	for _, p := range getLinkPatterns {
		if m := p.FindStringSubmatch(page); m != nil {
			link := htmlUnescapeHref(m[1])
			if !strings.HasPrefix(link, "http") {
				link = s.Base + "/" + strings.TrimLeft(link, "/")
			}
			log.Debug().Str("source", s.SourceID).Str("link", link).Msg("extracted get link")
			return link, nil
		}
	}
	return "", fmt.Errorf("could not extract get link from ads page")
}

func htmlUnescapeHref(s string) string {
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&gt;", ">")
	return strings.ReplaceAll(s, "&lt;", "<")
}
