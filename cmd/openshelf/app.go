package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openshelf/openshelf/internal/buildinfo"
	"github.com/openshelf/openshelf/internal/bypass"
	"github.com/openshelf/openshelf/internal/cascade"
	"github.com/openshelf/openshelf/internal/config"
	"github.com/openshelf/openshelf/internal/cookiejar"
	"github.com/openshelf/openshelf/internal/dnsrotate"
	"github.com/openshelf/openshelf/internal/fetch"
	"github.com/openshelf/openshelf/internal/history"
	"github.com/openshelf/openshelf/internal/logging"
	"github.com/openshelf/openshelf/internal/mirror"
	"github.com/openshelf/openshelf/internal/netutil"
	"github.com/openshelf/openshelf/internal/queue"
	"github.com/openshelf/openshelf/internal/runner"
	"github.com/openshelf/openshelf/internal/source"
)

var log = logging.GetLogger("main")

// dnsStateTTL bounds how long a rotated-away-from DNS/mirror state is kept
// before the nightly job resets back to the preferred defaults.
const dnsStateTTL = 30 * 24 * time.Hour

type app struct {
	envCfg  *config.EnvConfig
	store   *config.Store
	rotator *dnsrotate.Rotator
	mirrors *mirror.Manager
	fetch   *fetch.Client
	queue   *queue.Queue
	runner  *runner.Runner
	history *history.Repo
	cron    *cron.Cron
}

func run(envCfg *config.EnvConfig) error {
	a, err := newApp(envCfg)
	if err != nil {
		return err
	}
	a.start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	a.shutdown()
	return nil
}

func newApp(envCfg *config.EnvConfig) (*app, error) {
	for _, dir := range []string{envCfg.StateDir, envCfg.DownloadDir, envCfg.IngestDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	store := config.NewStore(config.NewDefaultRuntimeConfig())
	if envCfg.SourceConfigPath != "" {
		sf, err := config.LoadSourceFile(envCfg.SourceConfigPath)
		if err != nil {
			return nil, fmt.Errorf("source config: %w", err)
		}
		store.Update(sf.Apply)
		log.Info().Str("path", envCfg.SourceConfigPath).Msg("source config applied")
	}
	cfg := store.Get()

	rotator := newRotator(envCfg.DNSMode)
	resolver := dnsrotate.NewResolver(rotator)

	var proxyURL string
	if len(envCfg.ProxyURLs) > 0 {
		proxyURL = envCfg.ProxyURLs[0]
	}
	httpClient, err := netutil.NewClient(netutil.ClientOptions{
		ConnectTimeout:      envCfg.ConnectTimeout,
		ReadTimeout:         envCfg.ReadTimeout,
		MaxIdleConns:        envCfg.TransportMaxIdleConns,
		MaxIdleConnsPerHost: envCfg.TransportMaxIdleConnsPerHost,
		IdleConnTimeout:     envCfg.TransportIdleConnTimeout,
		ProxyURL:            proxyURL,
		BypassHosts:         envCfg.ProxyBypassHosts,
		LookupIP:            resolver.LookupIP,
	})
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}

	mirrors := mirror.NewManager(cfg.ArchiveMirrors, rotator)
	if cfg.MirrorOverride != "" {
		mirrors.SetOverride(cfg.MirrorOverride)
	}

	jar := cookiejar.New()

	var gateway bypass.Gateway
	if envCfg.ExternalBypassURL != "" {
		gateway = bypass.NewExternal(envCfg.ExternalBypassURL, httpClient, envCfg.ExternalBypassTimeout)
		log.Info().Str("endpoint", envCfg.ExternalBypassURL).Msg("using external bypass solver")
	} else {
		// No browser capability is bundled; without an external solver the
		// bypass-gated sources are skipped.
		log.Info().Msg("no bypass solver configured, protected sources disabled")
	}

	fetchClient := &fetch.Client{
		HTTP:          httpClient,
		Jar:           jar,
		Gateway:       gateway,
		BypassEnabled: func() bool { return store.Get().BypassEnabled },
		PageRetries:   func() int { return 3 },
		Attempts:      func() int { return store.Get().TransferAttempts },
		Resumes:       func() int { return store.Get().ResumeAttempts },
		UserAgent:     func() string { return store.Get().UserAgent },
		CourtesyDelay: time.Second,
	}

	controller := &cascade.Controller{
		Deps:       source.Deps{Fetch: fetchClient, Mirrors: mirrors},
		Cfg:        store,
		StagingDir: envCfg.DownloadDir,
	}

	hist, err := history.Open(filepath.Join(envCfg.StateDir, "history.db"), envCfg.HistoryDBMaxMB)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	q := queue.New()
	rn := &runner.Runner{
		Queue:        q,
		Resolver:     controller,
		History:      hist,
		Workers:      envCfg.MaxConcurrentDownloads,
		StallTimeout: envCfg.StallTimeout,
		StaggerMin:   envCfg.StaggerMinDelay,
		StaggerMax:   envCfg.StaggerMaxDelay,
	}

	return &app{
		envCfg:  envCfg,
		store:   store,
		rotator: rotator,
		mirrors: mirrors,
		fetch:   fetchClient,
		queue:   q,
		runner:  rn,
		history: hist,
		cron:    cron.New(),
	}, nil
}

func newRotator(mode string) *dnsrotate.Rotator {
	switch mode {
	case config.DNSModeSystem:
		return dnsrotate.New(dnsrotate.ModeSystem, "")
	case config.DNSModeAuto:
		return dnsrotate.New(dnsrotate.ModeAuto, "")
	default:
		return dnsrotate.New(dnsrotate.ModePinned, mode)
	}
}

func (a *app) start() {
	a.runner.Start()

	if _, err := a.cron.AddFunc(a.envCfg.DNSResetSchedule, func() {
		a.rotator.MaybeReset(dnsStateTTL)
	}); err != nil {
		log.Error().Err(err).Msg("schedule DNS reset job")
	}
	if _, err := a.cron.AddFunc(a.envCfg.HistoryPruneSchedule, func() {
		if err := a.history.Prune(a.envCfg.HistoryRetainDays); err != nil {
			log.Error().Err(err).Msg("history prune failed")
		}
	}); err != nil {
		log.Error().Err(err).Msg("schedule history prune job")
	}
	a.cron.Start()

	// Pick a reachable mirror before the first resolution needs one.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*a.envCfg.PageFetchTimeout)
		defer cancel()
		a.mirrors.Probe(ctx, a.fetch.HTTP, a.envCfg.PageFetchTimeout)
	}()

	log.Info().
		Str("version", buildinfo.Version).
		Int("workers", a.envCfg.MaxConcurrentDownloads).
		Str("download_dir", a.envCfg.DownloadDir).
		Msg("openshelf started")
}

func (a *app) shutdown() {
	cronCtx := a.cron.Stop()
	a.runner.Stop()
	<-cronCtx.Done()

	if err := a.history.Close(); err != nil {
		log.Warn().Err(err).Msg("history close error")
	}
	log.Info().Msg("stopped")
}
