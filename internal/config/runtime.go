package config

import "time"

// RuntimeConfig holds all hot-updatable settings. A snapshot is taken at the
// start of every resolution so one download sees a consistent view even if
// the configuration changes mid-flight.
type RuntimeConfig struct {
	// Sources
	FastSourcePriority []SourcePriorityEntry `json:"fast_source_priority"`
	SlowSourcePriority []SourcePriorityEntry `json:"slow_source_priority"`
	SupportedFormats   []string              `json:"supported_formats"`
	DonatorKey         string                `json:"donator_key"`

	// Cascade
	SourceFailureThreshold int      `json:"source_failure_threshold"`
	MinValidFileBytes      int64    `json:"min_valid_file_bytes"`
	MaxCountdownWait       Duration `json:"max_countdown_wait"`

	// Transfer
	TransferAttempts int `json:"transfer_attempts"`
	ResumeAttempts   int `json:"resume_attempts"`

	// Mirrors. ArchiveMirrors seed the mirror manager; the per-source
	// entries are base URLs or {md5} templates for sources that do not go
	// through the shared mirror list.
	MirrorOverride   string            `json:"mirror_override"`
	ArchiveMirrors   []string          `json:"archive_mirrors"`
	LibgenMirrors    map[string]string `json:"libgen_mirrors"`
	ZlibURLTemplate  string            `json:"zlib_url_template"`
	WelibURLTemplate string            `json:"welib_url_template"`

	// Bypass
	BypassEnabled    bool     `json:"bypass_enabled"`
	BypassMaxRetries int      `json:"bypass_max_retries"`
	BypassMaxBackoff Duration `json:"bypass_max_backoff"`

	// HTTP
	UserAgent string `json:"user_agent"`
}

// SourcePriorityEntry names one release source and whether it is enabled.
// Order within the slice defines cascade iteration order.
type SourcePriorityEntry struct {
	ID      string `json:"id" yaml:"id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		FastSourcePriority: []SourcePriorityEntry{
			{ID: "donator-api", Enabled: true},
			{ID: "libgen-li", Enabled: true},
			{ID: "libgen-rs", Enabled: true},
		},
		SlowSourcePriority: []SourcePriorityEntry{
			{ID: "archive-direct", Enabled: true},
			{ID: "archive-waitlist", Enabled: true},
			{ID: "zlib", Enabled: true},
			{ID: "welib", Enabled: true},
		},
		SupportedFormats: []string{"epub", "mobi", "azw3", "fb2", "djvu", "cbz", "cbr", "pdf"},
		DonatorKey:       "",

		SourceFailureThreshold: 4,
		MinValidFileBytes:      10 * 1024,
		MaxCountdownWait:       Duration(10 * time.Minute),

		TransferAttempts: 2,
		ResumeAttempts:   3,

		MirrorOverride: "",
		ArchiveMirrors: []string{
			"https://annas-archive.org",
			"https://annas-archive.se",
			"https://annas-archive.li",
		},
		LibgenMirrors: map[string]string{
			"libgen-li": "https://libgen.li",
			"libgen-rs": "https://libgen.rs",
		},
		ZlibURLTemplate:  "https://z-lib.gs/md5/{md5}",
		WelibURLTemplate: "https://welib.org/md5/{md5}",

		BypassEnabled:    true,
		BypassMaxRetries: 10,
		BypassMaxBackoff: Duration(12 * time.Second),

		UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:130.0) Gecko/20100101 Firefox/130.0",
	}
}

// EnabledSources returns the enabled source IDs in cascade order: fast
// sources first in fixed order, then the user-ordered slow sources. When
// includeSlow is false the slow list is omitted entirely.
func (c *RuntimeConfig) EnabledSources(includeSlow bool) []string {
	var out []string
	for _, e := range c.FastSourcePriority {
		if e.Enabled {
			out = append(out, e.ID)
		}
	}
	if includeSlow {
		for _, e := range c.SlowSourcePriority {
			if e.Enabled {
				out = append(out, e.ID)
			}
		}
	}
	return out
}
