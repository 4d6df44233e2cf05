// Command overvoice runs the TTS prefetch proxy: it streams LLM chat
// completions to clients while pre-synthesizing sentence audio across a pool
// of TTS backends, so later speech requests are served from cache.
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

	"golang.org/x/sync/errgroup"

	"github.com/overvoice/overvoice/internal/backend"
	"github.com/overvoice/overvoice/internal/cache"
	"github.com/overvoice/overvoice/internal/config"
	"github.com/overvoice/overvoice/internal/dispatch"
	"github.com/overvoice/overvoice/internal/observe"
	"github.com/overvoice/overvoice/internal/proxy"
	"github.com/overvoice/overvoice/internal/server"
)

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to a YAML configuration file (default: environment variables)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "overvoice: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("overvoice starting",
		"listen_addr", cfg.Server.ListenAddr,
		"llm_base_url", cfg.LLM.BaseURL,
		"tts_endpoints", cfg.TTS.Endpoints,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "overvoice",
		ServiceVersion: server.Version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Subsystems ────────────────────────────────────────────────────────────
	pool, err := backend.New(cfg.TTS.Endpoints, cfg.TTS.MaxConcurrent)
	if err != nil {
		slog.Error("failed to build backend pool", "err", err)
		return 1
	}

	dispatcher := dispatch.New(pool,
		dispatch.WithTokenRotator(dispatch.NewTokenRotator(cfg.TTS.APIKeys)),
		dispatch.WithRetryCount(cfg.TTS.RetryCount),
		dispatch.WithRequestTimeout(cfg.TTS.Timeout),
		dispatch.WithTemplate(cfg.TTS.Template),
		dispatch.WithMetrics(metrics),
	)

	audioCache := cache.New(dispatcher,
		cache.WithMaxSize(cfg.Cache.MaxSize),
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithMetrics(metrics),
	)

	llmClient := proxy.New(cfg.LLM.BaseURL, cfg.LLM.APIKey,
		proxy.WithHeaderTimeout(cfg.LLM.Timeout),
		proxy.WithMetrics(metrics),
	)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.New(cfg, audioCache, pool, llmClient, metrics).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		audioCache.Run(gctx)
		return nil
	})

	if cfg.TTS.ProbeInterval > 0 {
		prober := backend.NewProber(pool, cfg.TTS.ProbeInterval, nil)
		g.Go(func() error {
			if err := prober.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the process-wide text logger at the configured level.
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
