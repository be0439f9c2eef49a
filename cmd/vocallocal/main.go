// Command vocallocal is the main entry point for the VocalLocal transcription
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radubobirnac/vocallocal/internal/access"
	"github.com/radubobirnac/vocallocal/internal/api"
	"github.com/radubobirnac/vocallocal/internal/config"
	"github.com/radubobirnac/vocallocal/internal/health"
	"github.com/radubobirnac/vocallocal/internal/observe"
	"github.com/radubobirnac/vocallocal/internal/resilience"
	"github.com/radubobirnac/vocallocal/internal/segment"
	executor "github.com/radubobirnac/vocallocal/internal/transcribe"
	"github.com/radubobirnac/vocallocal/internal/usage"
	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe"
	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe/deepgram"
	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe/openai"
	"github.com/radubobirnac/vocallocal/pkg/provider/transcribe/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocallocal: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocallocal: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vocallocal starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "vocallocal"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider stack ────────────────────────────────────────────────────────
	fallback, err := buildProviders(cfg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Usage store ───────────────────────────────────────────────────────────
	var (
		store  usage.Store
		pool   *pgxpool.Pool
		pgDown func(context.Context) error
	)
	if cfg.Usage.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.Usage.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pool.Close()
		pgDown = pool.Ping

		pg := usage.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("failed to migrate usage schema", "err", err)
			return 1
		}
		store = pg
		slog.Info("usage store ready", "backend", "postgres")
	} else {
		store = usage.NewMemStore()
		slog.Warn("no postgres_dsn configured, usage data is held in memory only")
	}

	// ── Accounting and reset ──────────────────────────────────────────────────
	coordinator := usage.NewCoordinator(store,
		usage.WithResetParallelism(cfg.Usage.ResetParallelism),
		usage.WithResetMetrics(metrics),
	)
	ledger := usage.NewLedger(store,
		usage.WithQueueSize(cfg.Usage.QueueSize),
		usage.WithMaxAttempts(cfg.Usage.MaxAttempts),
		usage.WithRetryBackoff(cfg.Usage.RetryBackoff),
		usage.WithResetter(coordinator),
		usage.WithLedgerMetrics(metrics),
	)
	defer ledger.Close()

	// ── Resolver and executor ─────────────────────────────────────────────────
	entitlements := access.NewPlanEntitlements(staticPlanDirectory{}, store, nil)
	resolver := access.NewResolver(entitlements, cfg.Access.BaselineModel,
		access.WithModelCheckTimeout(cfg.Access.ModelCheckTimeout),
		access.WithUsageCheckTimeout(cfg.Access.UsageCheckTimeout),
		access.WithMetrics(metrics),
	)
	exec := executor.NewExecutor(fallback, ledger, executor.WithMetrics(metrics))

	splitter := &segment.FileSplitter{
		FFmpegPath:     cfg.Segment.FFmpegPath,
		SegmentSeconds: cfg.Segment.FileSegmentSeconds,
		MaxFileBytes:   cfg.Segment.MaxFileBytes,
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	var checks []health.Checker
	if pgDown != nil {
		checks = append(checks, health.Checker{Name: "database", Check: pgDown})
	}

	server := api.NewServer(
		api.Config{
			ResetToken:     cfg.Server.ResetToken,
			MaxUploadBytes: cfg.Segment.MaxFileBytes + (8 << 20),
			WindowWords:    cfg.Dedupe.WindowWords,
		},
		resolver, exec, splitter, coordinator,
		usage.NewStatsCollector(store, staticPlanDirectory{}),
		api.WithMetrics(metrics),
		api.WithHealthChecks(checks...),
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders constructs the primary transcription provider and wires the
// configured fallback behind it.
func buildProviders(cfg *config.Config, metrics *observe.Metrics) (*resilience.TranscribeFallback, error) {
	primary, err := buildProvider(cfg, cfg.Providers.Primary)
	if err != nil {
		return nil, fmt.Errorf("create primary provider %q: %w", cfg.Providers.Primary, err)
	}
	group := resilience.NewTranscribeFallback(primary, cfg.Providers.Primary, resilience.FallbackConfig{},
		resilience.WithProviderMetrics(metrics))
	slog.Info("provider created", "slot", "primary", "name", cfg.Providers.Primary)

	if cfg.Providers.Fallback != "" {
		fb, err := buildProvider(cfg, cfg.Providers.Fallback)
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %q: %w", cfg.Providers.Fallback, err)
		}
		group.AddFallback(cfg.Providers.Fallback, fb)
		slog.Info("provider created", "slot", "fallback", "name", cfg.Providers.Fallback)
	}
	return group, nil
}

func buildProvider(cfg *config.Config, name string) (transcribe.Provider, error) {
	switch name {
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.New(cfg.Providers.OpenAI.APIKey, opts...)
	case "deepgram":
		var opts []deepgram.Option
		if cfg.Providers.Deepgram.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(cfg.Providers.Deepgram.BaseURL))
		}
		return deepgram.New(cfg.Providers.Deepgram.APIKey, opts...)
	case "whisper":
		return whisper.New(cfg.Providers.Whisper.ServerURL)
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

// ── Collaborator adapters ─────────────────────────────────────────────────────

// staticPlanDirectory is the stand-in account directory until the external
// account service is wired: every user is on the basic plan.
type staticPlanDirectory struct{}

func (staticPlanDirectory) UserPlan(context.Context, string) (string, error) {
	return "basic", nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
