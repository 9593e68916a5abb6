package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openshelf/openshelf/internal/fetch"
	"github.com/openshelf/openshelf/internal/metadata"
	"github.com/openshelf/openshelf/internal/netutil"
)

// zlibSettleDelay gives the book page a moment to finish rendering its
// download section before the one retry. Shrunk in tests.
var zlibSettleDelay = 2 * time.Second

// Zlib serves books from a Z-Library style site: the book page is reached
// by MD5 template and carries the download link in a known anchor class.
// The domain requires full-session cookies, so the source is unusable
// without bypass capability.
type Zlib struct{}

func (s *Zlib) ID() string           { return IDZlib }
func (s *Zlib) RequiresBypass() bool { return true }

func (s *Zlib) Candidates(ctx context.Context, d Deps, r *Resolution, book *metadata.Book) ([]string, error) {
	return []string{strings.ReplaceAll(r.Cfg.ZlibURLTemplate, "{md5}", book.ID)}, nil
}

func (s *Zlib) DirectLink(ctx context.Context, d Deps, r *Resolution, candidate string, book *metadata.Book, label string) (string, error) {
	href, err := s.downloadAnchor(ctx, d, r, candidate)
	if err != nil {
		return "", err
	}
	if href == "" {
		// The download section is injected late on some page variants;
		// one settle-and-refetch before giving up.
		select {
		case <-time.After(zlibSettleDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if href, err = s.downloadAnchor(ctx, d, r, candidate); err != nil {
			return "", err
		}
	}
	if href == "" {
		return "", fmt.Errorf("book page carries no download link")
	}
	return netutil.AbsoluteURL(candidate, href), nil
}

func (s *Zlib) downloadAnchor(ctx context.Context, d Deps, r *Resolution, url string) (string, error) {
	page, err := d.Fetch.Page(ctx, url, fetch.PageOptions{Status: r.Status})
	if err != nil {
		return "", err
	}
	doc, err := parseDoc(page)
	if err != nil {
		return "", err
	}
	for _, a := range anchors(doc) {
		if classContains(a, "addDownloadedBook") {
			return attr(a, "href"), nil
		}
	}
	return "", nil
}
