package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// setEnvs sets multiple env vars for the duration of the test.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	// Make sure nothing leaks in from the surrounding environment.
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "OPENSHELF_") {
			t.Setenv(strings.SplitN(e, "=", 2)[0], "")
		}
	}

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Directories
	assertEqual(t, "StateDir", cfg.StateDir, "/var/lib/openshelf")
	assertEqual(t, "DownloadDir", cfg.DownloadDir, "/var/lib/openshelf/downloads")
	assertEqual(t, "IngestDir", cfg.IngestDir, "/var/lib/openshelf/ingest")

	// Worker pool
	assertEqual(t, "MaxConcurrentDownloads", cfg.MaxConcurrentDownloads, 3)
	assertEqual(t, "StaggerMinDelay", cfg.StaggerMinDelay, 2*time.Second)
	assertEqual(t, "StaggerMaxDelay", cfg.StaggerMaxDelay, 5*time.Second)
	assertEqual(t, "StallTimeout", cfg.StallTimeout, 5*time.Minute)

	// HTTP
	assertEqual(t, "ConnectTimeout", cfg.ConnectTimeout, 5*time.Second)
	assertEqual(t, "ReadTimeout", cfg.ReadTimeout, 10*time.Second)
	assertEqual(t, "PageFetchTimeout", cfg.PageFetchTimeout, 30*time.Second)
	assertEqual(t, "ProxyURLsLength", len(cfg.ProxyURLs), 0)
	assertEqual(t, "ProxyBypassHostsLength", len(cfg.ProxyBypassHosts), 0)
	assertEqual(t, "TransportMaxIdleConns", cfg.TransportMaxIdleConns, 128)
	assertEqual(t, "TransportMaxIdleConnsPerHost", cfg.TransportMaxIdleConnsPerHost, 16)
	assertEqual(t, "TransportIdleConnTimeout", cfg.TransportIdleConnTimeout, 90*time.Second)

	// DNS
	assertEqual(t, "DNSMode", cfg.DNSMode, "auto")
	assertEqual(t, "DNSResetSchedule", cfg.DNSResetSchedule, "0 4 * * *")

	// Bypass
	assertEqual(t, "BypassTimeout", cfg.BypassTimeout, 3*time.Minute)
	assertEqual(t, "ExternalBypassURL", cfg.ExternalBypassURL, "")
	assertEqual(t, "ExternalBypassTimeout", cfg.ExternalBypassTimeout, 2*time.Minute)

	// History
	assertEqual(t, "HistoryDBMaxMB", cfg.HistoryDBMaxMB, 256)
	assertEqual(t, "HistoryRetainDays", cfg.HistoryRetainDays, 90)
	assertEqual(t, "HistoryPruneSchedule", cfg.HistoryPruneSchedule, "30 3 * * *")
}

func TestLoadEnvConfig_Overrides(t *testing.T) {
	setEnvs(t, map[string]string{
		"OPENSHELF_STATE_DIR":                "/data/state",
		"OPENSHELF_MAX_CONCURRENT_DOWNLOADS": "8",
		"OPENSHELF_CONNECT_TIMEOUT":          "2s",
		"OPENSHELF_PROXY_URLS":               `["socks5://127.0.0.1:1080"]`,
		"OPENSHELF_PROXY_BYPASS_HOSTS":       `["*.local","10.*"]`,
		"OPENSHELF_DNS_MODE":                 "Cloudflare",
		"OPENSHELF_EXTERNAL_BYPASS_URL":      " http://solver:8191/v1 ",
	})

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "StateDir", cfg.StateDir, "/data/state")
	assertEqual(t, "MaxConcurrentDownloads", cfg.MaxConcurrentDownloads, 8)
	assertEqual(t, "ConnectTimeout", cfg.ConnectTimeout, 2*time.Second)
	assertEqual(t, "ProxyURLsLength", len(cfg.ProxyURLs), 1)
	assertEqual(t, "ProxyURLs0", cfg.ProxyURLs[0], "socks5://127.0.0.1:1080")
	assertEqual(t, "ProxyBypassHostsLength", len(cfg.ProxyBypassHosts), 2)
	assertEqual(t, "DNSMode", cfg.DNSMode, "cloudflare")
	assertEqual(t, "ExternalBypassURL", cfg.ExternalBypassURL, "http://solver:8191/v1")
}

func TestLoadEnvConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		envs    map[string]string
		wantSub string
	}{
		{
			name:    "bad integer",
			envs:    map[string]string{"OPENSHELF_MAX_CONCURRENT_DOWNLOADS": "lots"},
			wantSub: "invalid integer",
		},
		{
			name:    "non-positive worker count",
			envs:    map[string]string{"OPENSHELF_MAX_CONCURRENT_DOWNLOADS": "0"},
			wantSub: "must be positive",
		},
		{
			name:    "bad duration",
			envs:    map[string]string{"OPENSHELF_CONNECT_TIMEOUT": "five seconds"},
			wantSub: "invalid duration",
		},
		{
			name:    "bad JSON slice",
			envs:    map[string]string{"OPENSHELF_PROXY_URLS": "socks5://host"},
			wantSub: "invalid JSON string array",
		},
		{
			name:    "stagger window inverted",
			envs:    map[string]string{"OPENSHELF_STAGGER_MIN_DELAY": "10s", "OPENSHELF_STAGGER_MAX_DELAY": "1s"},
			wantSub: "OPENSHELF_STAGGER_MAX_DELAY",
		},
		{
			name:    "bad cron schedule",
			envs:    map[string]string{"OPENSHELF_DNS_RESET_SCHEDULE": "every day at 4"},
			wantSub: "invalid cron expression",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setEnvs(t, tc.envs)
			_, err := LoadEnvConfig()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.wantSub)
			}
		})
	}
}

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}
