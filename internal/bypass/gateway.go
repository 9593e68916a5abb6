// Package bypass obtains usable HTML from URLs served behind anti-bot
// challenges. Two strategies satisfy the same Gateway contract: an embedded
// browser-driving state machine and a delegate speaking to an external
// solver service.
package bypass

import "context"

// Gateway fetches a URL past protection and returns its HTML.
// Cancellation surfaces as ctx.Err(); every other failure is a *Failure.
type Gateway interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Failure is a failed bypass after all attempts. The cascade treats it as
// "this source is unusable for the current URL", never as a crash.
type Failure struct {
	URL    string
	Reason string
}

func (f *Failure) Error() string {
	return "bypass failed for " + f.URL + ": " + f.Reason
}
