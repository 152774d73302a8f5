// Command voxgate is the entry point for the voxgate real-time voice gateway.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/archive"
	"github.com/MrWong99/voxgate/internal/archive/postgres"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/dialogue"
	"github.com/MrWong99/voxgate/internal/gate"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/pool"
	"github.com/MrWong99/voxgate/internal/transcript"
	"github.com/MrWong99/voxgate/pkg/types"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file with VOXGATE_* overrides")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		return 1
	}
	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telOpts := observe.TelemetryOptions{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	}
	if cfg.Telemetry.LogSpans {
		telOpts.Exporters = append(telOpts.Exporters, &observe.SpanLogger{})
	}
	tel, err := observe.Setup(ctx, telOpts)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	built, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	models, err := pool.New(pool.Config{
		ASR:     built.ASR,
		TTS:     built.TTS,
		Workers: cfg.Providers.Workers,
		Metrics: metrics,
	})
	if err != nil {
		slog.Error("failed to create model pool", "err", err)
		return 1
	}
	defer models.Close()
	if cfg.Providers.Warm {
		// A failed load is reported through health; sessions then get
		// model_unavailable until the next attempt succeeds.
		if err := models.Warm(ctx); err != nil {
			slog.Warn("model warm-up failed", "err", err)
		}
	}

	// ── Archive ───────────────────────────────────────────────────────────────
	var store archive.Store
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect conversation archive", "err", err)
			return 1
		}
		defer pg.Close()
		store = pg
		slog.Info("conversation archive enabled")
	}
	guard := archive.NewGuard(store)

	// ── Gateway ───────────────────────────────────────────────────────────────
	sessions := gateway.NewRegistry(
		gateway.WithMaxSessions(cfg.Server.MaxSessions),
		gateway.WithRegistryMetrics(metrics),
	)
	srv, err := gateway.NewServer(gateway.Deps{
		Models: models,
		VAD:    built.VAD,
		Engine: dialogue.NewLLMEngine(built.LLM,
			dialogue.WithTemperature(cfg.Dialogue.Temperature),
			dialogue.WithMaxTokens(cfg.Dialogue.MaxTokens),
			dialogue.WithName(cfg.Providers.LLM.Name),
			dialogue.WithMetrics(metrics),
		),
		Archive: guard,
		Metrics: metrics,
	}, sessions, sessionConfig(cfg), gateway.WithOriginPatterns(cfg.Server.OriginPatterns...))
	if err != nil {
		slog.Error("failed to create gateway", "err", err)
		return 1
	}
	watchdog := gateway.NewWatchdog(sessions, gateway.WatchdogConfig{
		Interval:       cfg.Memory.CheckInterval,
		IdleTimeout:    cfg.Session.IdleTimeout,
		HighWaterBytes: cfg.Memory.HighWaterMB << 20,
	}, gateway.WithWatchdogMetrics(metrics))

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher.Subscribe(func(old, updated *config.Config) {
		applyReload(config.Diff(old, updated), updated, &level, srv, watchdog)
	})

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle(gateway.VoicePath, srv)
	health.New(
		health.WithModels(models.Statuses),
		health.WithSessions(srv),
		health.WithArchive(guard),
		health.WithChecker(health.Checker{Name: "failover", Check: built.Failover.Check}),
	).Register(mux)
	if cfg.Telemetry.MetricsPath != "" {
		mux.Handle("GET "+cfg.Telemetry.MetricsPath, promhttp.Handler())
	}
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchdog.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return reloadOnHangup(gctx, watcher) })
	g.Go(func() error {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr, "path", gateway.VoicePath)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()

		// ── Graceful shutdown ─────────────────────────────────────────────────
		slog.Info("shutdown signal received, draining sessions")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by http.Server, so
		// sessions are drained explicitly before the listener goes away.
		var errs []error
		if err := sessions.Drain(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// sessionConfig maps the file configuration onto gateway session tunables.
func sessionConfig(cfg *config.Config) gateway.SessionConfig {
	s := cfg.Session
	sc := gateway.SessionConfig{
		HandshakeTimeout:  s.HandshakeTimeout,
		KeepaliveInterval: s.KeepaliveInterval,
		MaxMessageBytes:   s.MaxMessageBytes,
		TokenBudget:       s.TokenBudget,
		SystemPrompt:      s.SystemPrompt,
		MaxTurns:          s.MaxTurns,
		Gate: gate.Config{
			SpeechThreshold: s.SpeechThreshold,
			Hangover:        s.Hangover,
			PartialInterval: s.PartialInterval,
			MaxSegment:      s.MaxSegment,
		},
		Voice: types.VoiceProfile{
			ID:          s.Voice.VoiceID,
			Provider:    cfg.Providers.TTS.Name,
			Language:    s.Voice.Language,
			SpeedFactor: s.Voice.SpeedFactor,
		},
		PhraseTimeout:  s.PhraseTimeout,
		PhraseMaxChars: s.PhraseMaxChars,
		Lookahead:      s.Lookahead,
	}
	if len(s.Vocabulary) > 0 {
		sc.Corrector = transcript.NewCorrector(s.Vocabulary)
	}
	return sc
}

// applyReload applies the hot-reloadable parts of a config change.
func applyReload(d config.ConfigDiff, cfg *config.Config, level *slog.LevelVar, srv *gateway.Server, wd *gateway.Watchdog) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		srv.SetSessionConfig(sessionConfig(cfg))
		slog.Info("session settings updated; applies to new sessions")
	}
	if d.IdleTimeoutChanged {
		wd.SetIdleTimeout(cfg.Session.IdleTimeout)
	}
	if d.HighWaterChanged {
		wd.SetHighWater(cfg.Memory.HighWaterMB << 20)
	}
	if d.MaxSessionsChanged {
		srv.Registry().SetMaxSessions(cfg.Server.MaxSessions)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			changed, err := w.Reload()
			switch {
			case err != nil:
				slog.Warn("SIGHUP reload rejected", "err", err)
			case !changed:
				slog.Info("SIGHUP received, config unchanged")
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR)
	printProvider("TTS", cfg.Providers.TTS)
	printProvider("LLM", cfg.Providers.LLM)
	printProvider("VAD", cfg.Providers.VAD)
	fmt.Printf("║  Workers         : %-19d ║\n", cfg.Providers.Workers)
	if cfg.Archive.PostgresDSN != "" {
		fmt.Printf("║  Archive         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive         : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.MaxSessions > 0 {
		fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Server.MaxSessions)
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, entry config.ProviderEntry) {
	value := entry.Name
	if value == "" {
		value = "(not configured)"
	} else if entry.Model != "" {
		value = entry.Name + " / " + entry.Model
	}
	if n := len(entry.Fallbacks); n > 0 {
		value += fmt.Sprintf(" +%d", n)
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
