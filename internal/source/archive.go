package source

import (
	"context"
	"strings"

	"github.com/openshelf/openshelf/internal/metadata"
	"github.com/openshelf/openshelf/internal/netutil"
)

// Archive serves books from the archive's slow partner servers, listed on
// the shared reference page. The direct variant's servers hand out a link
// immediately; the waitlist variant imposes a countdown first. Both need
// bypass capability because the partner servers sit behind challenges.
type Archive struct {
	Waitlist bool
}

func (s *Archive) ID() string {
	if s.Waitlist {
		return IDArchiveWaitlist
	}
	return IDArchiveDirect
}

func (s *Archive) RequiresBypass() bool { return true }

func (s *Archive) Candidates(ctx context.Context, d Deps, r *Resolution, book *metadata.Book) ([]string, error) {
	return r.ReferencePage(ctx, d, book)[s.ID()], nil
}

func (s *Archive) DirectLink(ctx context.Context, d Deps, r *Resolution, candidate string, book *metadata.Book, label string) (string, error) {
	return resolveSlowDownload(ctx, d, r, candidate, label)
}

// parsePartnerLinks classifies the reference page's "slow partner server"
// anchors by the waitlist note that follows each one. Anchors with no
// recognizable note are dropped rather than guessed at.
func parsePartnerLinks(page, pageURL string) map[string][]string {
	out := map[string][]string{}
	doc, err := parseDoc(page)
	if err != nil {
		return out
	}

	seen := map[string]bool{}
	for _, a := range anchors(doc) {
		if !strings.HasPrefix(strings.ToLower(nodeText(a)), "slow partner server") {
			continue
		}

		note := strings.ToLower(followingText(a, 3))
		if note == "" && a.Parent != nil {
			note = strings.ToLower(nodeText(a.Parent))
		}
		if !strings.Contains(note, "waitlist") {
			continue
		}

		abs := netutil.AbsoluteURL(pageURL, attr(a, "href"))
		if abs == "" || seen[abs] {
			continue
		}
		seen[abs] = true

		if strings.Contains(note, "no waitlist") {
			out[IDArchiveDirect] = append(out[IDArchiveDirect], abs)
		} else {
			out[IDArchiveWaitlist] = append(out[IDArchiveWaitlist], abs)
		}
	}
	return out
}
