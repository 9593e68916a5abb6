// Package cascade walks the configured release sources in priority order
// until one of them yields a validated file. It owns the per-resolution
// failure accounting and the round-robin spreading of equivalent mirrors;
// everything network-shaped is delegated to internal/fetch and
// internal/source.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/openshelf/openshelf/internal/config"
	"github.com/openshelf/openshelf/internal/fetch"
	"github.com/openshelf/openshelf/internal/logging"
	"github.com/openshelf/openshelf/internal/metadata"
	"github.com/openshelf/openshelf/internal/source"
)

var log = logging.GetLogger("cascade")

// ErrAllSourcesFailed is the terminal outcome when every enabled source was
// tried and none produced a valid file. The caller decides whether the
// whole task is retried later; the cascade itself never loops.
var ErrAllSourcesFailed = errors.New("all download sources failed")

// urlRotation spreads concurrent resolutions across equivalent candidate
// URLs so parallel tasks do not all hammer the first listed server.
// Process-wide by design.
var urlRotation atomic.Uint64

// Controller resolves one book at a time per call; calls are independent
// and safe to run concurrently.
type Controller struct {
	Deps       source.Deps
	Cfg        *config.Store
	StagingDir string

	// Sources overrides source construction; nil means source.ForPriority.
	Sources func(ids []string, cfg *config.RuntimeConfig) []source.Source
}

// Result is a successful resolution: the staged file and where it came from.
type Result struct {
	Path     string
	SourceID string
	URL      string
}

var displayNames = map[string]string{
	source.IDDonator:         "Fast Partner API",
	source.IDLibgenLi:        "Libgen",
	source.IDLibgenRs:        "Libgen",
	source.IDArchiveDirect:   "Partner Server",
	source.IDArchiveWaitlist: "Partner Server",
	source.IDZlib:            "Z-Library",
	source.IDWelib:           "Welib",
}

// Resolve cascades through the enabled sources until a file passes
// validation, writing it to the staging directory. The configuration is
// snapshotted once at entry; failure counters live and die with this call.
func (c *Controller) Resolve(ctx context.Context, book *metadata.Book, progress fetch.ProgressFunc, status fetch.StatusFunc) (*Result, error) {
	cfg := c.Cfg.Get()
	res := source.NewResolution(cfg, c.Deps.Mirrors, status)

	if status != nil {
		status("resolving", "Finding download source")
	}

	bypassUsable := cfg.BypassEnabled && c.Deps.Fetch.Gateway != nil

	build := c.Sources
	if build == nil {
		build = source.ForPriority
	}
	sources := build(cfg.EnabledSources(true), cfg)

	failures := map[string]int{}
	serverAttempt := 0

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := src.ID()
		if src.RequiresBypass() && !bypassUsable {
			log.Debug().Str("source", id).Msg("skipping, requires bypass")
			continue
		}
		if failures[id] >= cfg.SourceFailureThreshold {
			log.Debug().Str("source", id).Msg("skipping, too many failures")
			continue
		}

		candidates, err := src.Candidates(ctx, c.Deps, res, book)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A source that cannot enumerate its URLs is a source with
			// zero candidates, not a reason to stop the cascade.
			log.Warn().Err(err).Str("source", id).Msg("candidate listing failed")
			continue
		}
		if len(candidates) == 0 {
			continue
		}
		candidates = rotated(candidates)

		for _, candidate := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			var label string
			if id == source.IDLibgenLi || id == source.IDLibgenRs {
				label = "Libgen (Fast)"
			} else {
				serverAttempt++
				label = fmt.Sprintf("%s (Server #%d)", displayName(id), serverAttempt)
			}

			result, err := c.tryCandidate(ctx, res, src, candidate, book, label, progress, status)
			if err == nil {
				return result, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("source", id).Str("url", candidate).Msg("candidate failed")

			failures[id]++
			if failures[id] >= cfg.SourceFailureThreshold {
				log.Info().Str("source", id).Msg("failure threshold reached, moving to next source")
				break
			}
		}
	}

	if status != nil {
		status("error", "All sources failed")
	}
	return nil, ErrAllSourcesFailed
}

// tryCandidate resolves one landing URL to a direct link, downloads it and
// stages the validated payload.
func (c *Controller) tryCandidate(ctx context.Context, res *source.Resolution, src source.Source, candidate string, book *metadata.Book, label string, progress fetch.ProgressFunc, status fetch.StatusFunc) (*Result, error) {
	id := src.ID()
	log.Info().Str("source", id).Str("url", candidate).Msg("trying download source")
	if status != nil {
		status("resolving", "Trying "+label)
	}

	direct, err := src.DirectLink(ctx, c.Deps, res, candidate, book, label)
	if err != nil {
		return nil, fmt.Errorf("resolve direct link: %w", err)
	}
	if direct == "" {
		return nil, fmt.Errorf("no download link resolved")
	}
	log.Info().Str("source", id).Str("url", direct).Msg("resolved direct link")

	data, err := c.Deps.Fetch.Download(ctx, direct, fetch.DownloadOptions{
		ExpectedSize: book.SizeBytes(),
		Referer:      candidate,
		Selector:     res.Selector,
		Progress:     progress,
		Status:       status,
	})
	if err != nil {
		return nil, err
	}

	cfg := res.Cfg
	if int64(data.Len()) < cfg.MinValidFileBytes {
		return nil, fmt.Errorf("file too small (%d bytes), likely an error page", data.Len())
	}

	path := filepath.Join(c.StagingDir, book.Filename())
	if err := os.MkdirAll(c.StagingDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data.Bytes(), 0o644); err != nil {
		return nil, err
	}
	log.Info().Str("source", id).Int("bytes", data.Len()).Str("path", path).Msg("download staged")
	return &Result{Path: path, SourceID: id, URL: direct}, nil
}

// rotated shifts the candidate list by the process-wide rotation counter.
func rotated(urls []string) []string {
	if len(urls) < 2 {
		return urls
	}
	shift := int(urlRotation.Add(1)-1) % len(urls)
	if shift == 0 {
		return urls
	}
	out := make([]string, 0, len(urls))
	out = append(out, urls[shift:]...)
	out = append(out, urls[:shift]...)
	return out
}

func displayName(id string) string {
	if name, ok := displayNames[id]; ok {
		return name
	}
	return "Mirror"
}
