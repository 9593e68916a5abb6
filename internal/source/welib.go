package source

import (
	"context"
	"strings"

	"github.com/openshelf/openshelf/internal/fetch"
	"github.com/openshelf/openshelf/internal/metadata"
	"github.com/openshelf/openshelf/internal/netutil"
)

// Welib scrapes a welib-style MD5 page for partner download links. The
// site always challenges, so the page fetch goes through the bypasser from
// the first attempt; the links it yields resolve like the archive's own
// slow servers.
type Welib struct{}

func (s *Welib) ID() string           { return IDWelib }
func (s *Welib) RequiresBypass() bool { return true }

func (s *Welib) Candidates(ctx context.Context, d Deps, r *Resolution, book *metadata.Book) ([]string, error) {
	pageURL := strings.ReplaceAll(r.Cfg.WelibURLTemplate, "{md5}", book.ID)
	r.status("resolving", "Fetching welib sources")

	page, err := d.Fetch.Page(ctx, pageURL, fetch.PageOptions{
		UseBypasser: true,
		Status:      r.Status,
	})
	if err != nil {
		return nil, err
	}

	doc, err := parseDoc(page)
	if err != nil {
		return nil, err
	}

	var links []string
	seen := map[string]bool{}
	for _, a := range anchors(doc) {
		href := attr(a, "href")
		if !strings.Contains(href, "/slow_download/") {
			continue
		}
		abs := netutil.AbsoluteURL(pageURL, href)
		if abs == "" || seen[abs] {
			continue
		}
		seen[abs] = true
		links = append(links, abs)
	}
	return links, nil
}

func (s *Welib) DirectLink(ctx context.Context, d Deps, r *Resolution, candidate string, book *metadata.Book, label string) (string, error) {
	return resolveSlowDownload(ctx, d, r, candidate, label)
}
