// Package clients defines the capability surface an external download
// client exposes. Only the in-memory implementation lives here; real
// adapters plug in behind the same interface.
package clients

import (
	"context"
	"errors"
)

// State is an external download's lifecycle position.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateComplete    State = "complete"
	StateError       State = "error"
)

// ErrUnknownID is returned for lookups of downloads the client is not tracking.
var ErrUnknownID = errors.New("unknown download id")

// AddRequest describes a download handed off to an external client.
type AddRequest struct {
	// Title labels the download in the client's own UI.
	Title string
	// URL is what the client fetches: a direct link, torrent or NZB URL.
	URL string
	// Category groups downloads on clients that support it. Optional.
	Category string
}

// Status is a point-in-time snapshot of an external download.
type Status struct {
	State    State
	Progress float64
	Message  string
}

// Client is the adapter interface for an external download client.
// Implementations must be safe for concurrent use.
type Client interface {
	// Add submits a download and returns the client's identifier for it.
	Add(ctx context.Context, req AddRequest) (string, error)
	// Status reports the current state of a tracked download.
	Status(ctx context.Context, id string) (Status, error)
	// Path returns the final on-disk location of a complete download.
	Path(ctx context.Context, id string) (string, error)
	// Remove stops tracking a download, optionally deleting its data.
	Remove(ctx context.Context, id string, deleteData bool) error
}
