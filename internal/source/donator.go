package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openshelf/openshelf/internal/fetch"
	"github.com/openshelf/openshelf/internal/metadata"
	"github.com/openshelf/openshelf/internal/netutil"
)

// Donator is the archive's paid fast-download API: a JSON endpoint that
// returns a direct link immediately, available only with a donator key.
type Donator struct{}

func (s *Donator) ID() string           { return IDDonator }
func (s *Donator) RequiresBypass() bool { return false }

func (s *Donator) Candidates(ctx context.Context, d Deps, r *Resolution, book *metadata.Book) ([]string, error) {
	if r.Cfg.DonatorKey == "" {
		return nil, nil
	}
	url := fmt.Sprintf("%s/dyn/api/fast_download.json?md5=%s&key=%s",
		r.Selector.ActiveBase(), book.ID, r.Cfg.DonatorKey)
	return []string{url}, nil
}

func (s *Donator) DirectLink(ctx context.Context, d Deps, r *Resolution, candidate string, book *metadata.Book, label string) (string, error) {
	page, err := d.Fetch.Page(ctx, candidate, fetch.PageOptions{
		Selector: r.Selector,
		Status:   r.Status,
	})
	if err != nil {
		return "", err
	}

	var body struct {
		DownloadURL string `json:"download_url"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal([]byte(page), &body); err != nil {
		return "", fmt.Errorf("fast download response: %w", err)
	}
	if body.DownloadURL == "" {
		if body.Error != "" {
			return "", fmt.Errorf("fast download refused: %s", body.Error)
		}
		return "", fmt.Errorf("fast download response carried no link")
	}
	return netutil.AbsoluteURL(candidate, body.DownloadURL), nil
}
