// Package config handles environment-based configuration loading and runtime config models.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir    string
	DownloadDir string
	IngestDir   string

	// Worker pool
	MaxConcurrentDownloads int
	StaggerMinDelay        time.Duration
	StaggerMaxDelay        time.Duration
	StallTimeout           time.Duration

	// HTTP
	ConnectTimeout               time.Duration
	ReadTimeout                  time.Duration
	PageFetchTimeout             time.Duration
	ProxyURLs                    []string
	ProxyBypassHosts             []string
	TransportMaxIdleConns        int
	TransportMaxIdleConnsPerHost int
	TransportIdleConnTimeout     time.Duration

	// DNS
	DNSMode          string
	DNSResetSchedule string

	// Bypass
	BypassTimeout         time.Duration
	ExternalBypassURL     string
	ExternalBypassTimeout time.Duration

	// History
	HistoryDBMaxMB       int
	HistoryRetainDays    int
	HistoryPruneSchedule string

	// Sources
	SourceConfigPath string
}

// DNS modes accepted by OPENSHELF_DNS_MODE. A bare provider name pins that
// provider without auto-cycling.
const (
	DNSModeSystem = "system"
	DNSModeAuto   = "auto"
)

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("OPENSHELF_STATE_DIR", "/var/lib/openshelf")
	cfg.DownloadDir = envStr("OPENSHELF_DOWNLOAD_DIR", "/var/lib/openshelf/downloads")
	cfg.IngestDir = envStr("OPENSHELF_INGEST_DIR", "/var/lib/openshelf/ingest")

	// --- Worker pool ---
	cfg.MaxConcurrentDownloads = envInt("OPENSHELF_MAX_CONCURRENT_DOWNLOADS", 3, &errs)
	cfg.StaggerMinDelay = envDuration("OPENSHELF_STAGGER_MIN_DELAY", 2*time.Second, &errs)
	cfg.StaggerMaxDelay = envDuration("OPENSHELF_STAGGER_MAX_DELAY", 5*time.Second, &errs)
	cfg.StallTimeout = envDuration("OPENSHELF_STALL_TIMEOUT", 5*time.Minute, &errs)

	// --- HTTP ---
	cfg.ConnectTimeout = envDuration("OPENSHELF_CONNECT_TIMEOUT", 5*time.Second, &errs)
	cfg.ReadTimeout = envDuration("OPENSHELF_READ_TIMEOUT", 10*time.Second, &errs)
	cfg.PageFetchTimeout = envDuration("OPENSHELF_PAGE_FETCH_TIMEOUT", 30*time.Second, &errs)
	cfg.ProxyURLs = envStringSlice("OPENSHELF_PROXY_URLS", []string{}, &errs)
	cfg.ProxyBypassHosts = envStringSlice("OPENSHELF_PROXY_BYPASS_HOSTS", []string{}, &errs)
	cfg.TransportMaxIdleConns = envInt("OPENSHELF_TRANSPORT_MAX_IDLE_CONNS", 128, &errs)
	cfg.TransportMaxIdleConnsPerHost = envInt("OPENSHELF_TRANSPORT_MAX_IDLE_CONNS_PER_HOST", 16, &errs)
	cfg.TransportIdleConnTimeout = envDuration("OPENSHELF_TRANSPORT_IDLE_CONN_TIMEOUT", 90*time.Second, &errs)

	// --- DNS ---
	cfg.DNSMode = strings.ToLower(strings.TrimSpace(envStr("OPENSHELF_DNS_MODE", DNSModeAuto)))
	cfg.DNSResetSchedule = envStr("OPENSHELF_DNS_RESET_SCHEDULE", "0 4 * * *")

	// --- Bypass ---
	cfg.BypassTimeout = envDuration("OPENSHELF_BYPASS_TIMEOUT", 3*time.Minute, &errs)
	cfg.ExternalBypassURL = strings.TrimSpace(envStr("OPENSHELF_EXTERNAL_BYPASS_URL", ""))
	cfg.ExternalBypassTimeout = envDuration("OPENSHELF_EXTERNAL_BYPASS_TIMEOUT", 2*time.Minute, &errs)

	// --- History ---
	cfg.HistoryDBMaxMB = envInt("OPENSHELF_HISTORY_DB_MAX_MB", 256, &errs)
	cfg.HistoryRetainDays = envInt("OPENSHELF_HISTORY_RETAIN_DAYS", 90, &errs)
	cfg.HistoryPruneSchedule = envStr("OPENSHELF_HISTORY_PRUNE_SCHEDULE", "30 3 * * *")

	// --- Sources ---
	cfg.SourceConfigPath = envStr("OPENSHELF_SOURCE_CONFIG_PATH", "")

	// --- Validation ---
	validatePositive("OPENSHELF_MAX_CONCURRENT_DOWNLOADS", cfg.MaxConcurrentDownloads, &errs)
	validatePositive("OPENSHELF_HISTORY_DB_MAX_MB", cfg.HistoryDBMaxMB, &errs)
	validatePositive("OPENSHELF_HISTORY_RETAIN_DAYS", cfg.HistoryRetainDays, &errs)

	if cfg.StaggerMinDelay < 0 || cfg.StaggerMaxDelay < cfg.StaggerMinDelay {
		errs = append(errs, "OPENSHELF_STAGGER_MAX_DELAY must be >= OPENSHELF_STAGGER_MIN_DELAY >= 0")
	}
	if cfg.StallTimeout <= 0 {
		errs = append(errs, "OPENSHELF_STALL_TIMEOUT must be positive")
	}

	if _, err := cron.ParseStandard(cfg.DNSResetSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("OPENSHELF_DNS_RESET_SCHEDULE: invalid cron expression %q", cfg.DNSResetSchedule))
	}
	if _, err := cron.ParseStandard(cfg.HistoryPruneSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("OPENSHELF_HISTORY_PRUNE_SCHEDULE: invalid cron expression %q", cfg.HistoryPruneSchedule))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
