// Package source implements the concrete release sources the cascade
// iterates: a donator fast API, templated libgen pages, the archive's slow
// partner servers (direct and waitlist), and two bypass-gated MD5 sources.
package source

import (
	"context"
	"sync"

	"github.com/openshelf/openshelf/internal/config"
	"github.com/openshelf/openshelf/internal/fetch"
	"github.com/openshelf/openshelf/internal/logging"
	"github.com/openshelf/openshelf/internal/metadata"
	"github.com/openshelf/openshelf/internal/mirror"
)

var log = logging.GetLogger("source")

// Source is one place a book can be downloaded from. Candidates yields the
// landing URLs to try; DirectLink turns one landing URL into the actual
// machine-downloadable link, waiting out countdowns where the source
// imposes them.
type Source interface {
	ID() string
	// RequiresBypass marks sources that cannot work at all without the
	// protection bypass gateway; the cascade skips them entirely when
	// bypass is disabled.
	RequiresBypass() bool
	Candidates(ctx context.Context, d Deps, r *Resolution, book *metadata.Book) ([]string, error)
	DirectLink(ctx context.Context, d Deps, r *Resolution, candidate string, book *metadata.Book, label string) (string, error)
}

// Deps are the process-wide collaborators shared by all sources.
type Deps struct {
	Fetch   *fetch.Client
	Mirrors *mirror.Manager
}

// Resolution is the state shared across sources within one resolve call:
// the configuration snapshot, the per-resolution mirror selector, and the
// lazily fetched reference page. The archive's direct and waitlist sources
// both read the same book page, so it is fetched at most once per
// resolution, not once per source.
type Resolution struct {
	Cfg      *config.RuntimeConfig
	Selector *mirror.Selector
	Status   fetch.StatusFunc

	refOnce sync.Once
	refURLs map[string][]string
}

// NewResolution snapshots cfg and binds a fresh selector for one resolve
// call. status may be nil.
func NewResolution(cfg *config.RuntimeConfig, mgr *mirror.Manager, status fetch.StatusFunc) *Resolution {
	return &Resolution{
		Cfg:      cfg,
		Selector: mirror.NewSelector(mgr),
		Status:   status,
	}
}

func (r *Resolution) status(phase, message string) {
	if r.Status != nil {
		r.Status(phase, message)
	}
}

// ReferencePage returns the slow partner server URLs scraped from the
// archive's book page, grouped by source ID ("archive-direct",
// "archive-waitlist"). The page is fetched on first use only; a fetch or
// parse failure yields an empty map for the rest of the resolution.
func (r *Resolution) ReferencePage(ctx context.Context, d Deps, book *metadata.Book) map[string][]string {
	r.refOnce.Do(func() {
		r.refURLs = map[string][]string{}
		r.status("resolving", "Fetching download sources")

		pageURL := r.Selector.ActiveBase() + "/md5/" + book.ID
		html, err := d.Fetch.Page(ctx, pageURL, fetch.PageOptions{
			Selector: r.Selector,
			Status:   r.Status,
		})
		if err != nil {
			log.Warn().Err(err).Str("book", book.ID).Msg("reference page fetch failed")
			return
		}
		r.refURLs = parsePartnerLinks(html, pageURL)
		log.Debug().Str("book", book.ID).
			Int("direct", len(r.refURLs[IDArchiveDirect])).
			Int("waitlist", len(r.refURLs[IDArchiveWaitlist])).
			Msg("partner server inventory")
	})
	return r.refURLs
}

// Source IDs as they appear in priority configuration.
const (
	IDDonator         = "donator-api"
	IDLibgenLi        = "libgen-li"
	IDLibgenRs        = "libgen-rs"
	IDArchiveDirect   = "archive-direct"
	IDArchiveWaitlist = "archive-waitlist"
	IDZlib            = "zlib"
	IDWelib           = "welib"
)

// ForPriority maps the enabled source IDs from configuration to Source
// implementations, preserving order and dropping unknown IDs with a
// warning.
func ForPriority(ids []string, cfg *config.RuntimeConfig) []Source {
	var out []Source
	for _, id := range ids {
		switch id {
		case IDDonator:
			out = append(out, &Donator{})
		case IDLibgenLi, IDLibgenRs:
			base := cfg.LibgenMirrors[id]
			if base == "" {
				log.Warn().Str("source", id).Msg("no mirror configured, skipping")
				continue
			}
			out = append(out, &Libgen{SourceID: id, Base: base})
		case IDArchiveDirect:
			out = append(out, &Archive{Waitlist: false})
		case IDArchiveWaitlist:
			out = append(out, &Archive{Waitlist: true})
		case IDZlib:
			out = append(out, &Zlib{})
		case IDWelib:
			out = append(out, &Welib{})
		default:
			log.Warn().Str("source", id).Msg("unknown source in priority list")
		}
	}
	return out
}
