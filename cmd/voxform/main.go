// Command voxform is the main entry point for the Voxform capture server.
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
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/voxform/voxform/internal/config"
	"github.com/voxform/voxform/internal/health"
	"github.com/voxform/voxform/internal/observe"
	"github.com/voxform/voxform/internal/pipeline"
	"github.com/voxform/voxform/internal/resilience"
	"github.com/voxform/voxform/internal/server"
	"github.com/voxform/voxform/internal/store"
	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/forms"
	"github.com/voxform/voxform/pkg/provider/extract"
	extractanyllm "github.com/voxform/voxform/pkg/provider/extract/anyllm"
	extractopenai "github.com/voxform/voxform/pkg/provider/extract/openai"
	"github.com/voxform/voxform/pkg/provider/stt"
	"github.com/voxform/voxform/pkg/provider/stt/deepgram"
	"github.com/voxform/voxform/pkg/provider/stt/whisper"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration (with hot reload for the log level) ─────────────────
	logLevel := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(logLevel, old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxform: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxform: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxform starting",
		"version", version,
		"config", *configPath,
		"listen_addr", listenAddr(cfg),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetryShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxform",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Storage ───────────────────────────────────────────────────────────────
	if cfg.Storage.PostgresDSN == "" {
		slog.Error("storage.postgres_dsn is required to run the server")
		return 1
	}
	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		slog.Error("failed to run store migrations", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	transcriber, extractor, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Sessions and HTTP server ──────────────────────────────────────────────
	factory := newControllerFactory(cfg, transcriber, extractor, st, metrics, logger)
	sessions := server.NewSessionManager(factory,
		server.WithTTL(cfg.Server.SessionTTL),
		server.WithSessionLogger(logger),
		server.WithSessionMetrics(metrics),
	)
	defer sessions.Close()

	healthHandler := health.New(health.Database(pool.Ping))

	srv := server.New(st, sessions,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithHealth(healthHandler),
	)

	httpServer := &http.Server{
		Addr:              listenAddr(cfg),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyConfigChange reacts to a config file reload. Only the log level can be
// applied live; everything else needs a restart and is reported as such.
func applyConfigChange(logLevel *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, pc := range d.ProviderChanges {
		slog.Warn("provider configuration changed — restart required to apply",
			"kind", pc.Kind, "old", pc.OldName, "new", pc.NewName)
	}
	if d.StorageChanged {
		slog.Warn("storage configuration changed — restart required to apply")
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Extraction ────────────────────────────────────────────────────────────

	// openai uses the dedicated structured-output client.
	reg.RegisterExtract("openai", func(entry config.ProviderEntry) (extract.Provider, error) {
		var opts []extractopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, extractopenai.WithBaseURL(entry.BaseURL))
		}
		return extractopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining backends share one adapter: optional APIKey + BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterExtract(providerName, func(entry config.ProviderEntry) (extract.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return extractanyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterExtract("ollama", func(entry config.ProviderEntry) (extract.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return extractanyllm.New("ollama", entry.Model, opts...)
	})
}

// buildProviders instantiates the configured STT and extraction providers.
// When a fallback is named, the primary is wrapped in a failover chain with
// per-provider circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (stt.Provider, extract.Provider, error) {
	chainCfg := resilience.ChainConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Providers.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.Providers.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  cfg.Providers.CircuitBreaker.HalfOpenMax,
		},
	}

	transcriber, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if name := cfg.Providers.STTFallback.Name; name != "" {
		fallback, err := reg.CreateSTT(cfg.Providers.STTFallback)
		if err != nil {
			return nil, nil, fmt.Errorf("create stt fallback %q: %w", name, err)
		}
		chain := resilience.NewSTTChain(transcriber, cfg.Providers.STT.Name, chainCfg)
		chain.AddFallback(name, fallback)
		transcriber = chain
		slog.Info("provider fallback configured", "kind", "stt", "name", name)
	}

	extractor, err := reg.CreateExtract(cfg.Providers.Extract)
	if err != nil {
		return nil, nil, fmt.Errorf("create extract provider %q: %w", cfg.Providers.Extract.Name, err)
	}
	slog.Info("provider created", "kind", "extract", "name", cfg.Providers.Extract.Name)

	if name := cfg.Providers.ExtractFallback.Name; name != "" {
		fallback, err := reg.CreateExtract(cfg.Providers.ExtractFallback)
		if err != nil {
			return nil, nil, fmt.Errorf("create extract fallback %q: %w", name, err)
		}
		chain := resilience.NewExtractChain(extractor, cfg.Providers.Extract.Name, chainCfg)
		chain.AddFallback(name, fallback)
		extractor = chain
		slog.Info("provider fallback configured", "kind", "extract", "name", name)
	}

	return transcriber, extractor, nil
}

// newControllerFactory builds one capture pipeline per session, with stage
// durations fed into the metrics sink.
func newControllerFactory(cfg *config.Config, transcriber stt.Provider, extractor extract.Provider,
	saver pipeline.Saver, metrics *observe.Metrics, logger *slog.Logger) server.ControllerFactory {

	var recorderOpts []capture.Option
	if cfg.Capture.SampleRate > 0 || cfg.Capture.Channels > 0 {
		sampleRate, channels := cfg.Capture.SampleRate, cfg.Capture.Channels
		if sampleRate == 0 {
			sampleRate = 16000
		}
		if channels == 0 {
			channels = 1
		}
		recorderOpts = append(recorderOpts, capture.WithOpusFormat(sampleRate, channels))
	}

	return func(form forms.Form, actorID string) (*pipeline.Controller, error) {
		opts := []pipeline.Option{
			pipeline.WithLogger(logger),
			pipeline.WithActorID(actorID),
			pipeline.WithStageObserver(func(stage string, elapsed time.Duration, err error) {
				metrics.RecordStage(context.Background(), stage, elapsed, err)
			}),
		}
		if cfg.Capture.StatusInterval > 0 {
			opts = append(opts, pipeline.WithStatusInterval(cfg.Capture.StatusInterval))
		}
		return pipeline.New(form, capture.NewRecorder(recorderOpts...), transcriber, extractor, saver, opts...)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Voxform — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("STT fallback", cfg.Providers.STTFallback.Name, cfg.Providers.STTFallback.Model)
	printProvider("Extract", cfg.Providers.Extract.Name, cfg.Providers.Extract.Model)
	printProvider("Extract fb", cfg.Providers.ExtractFallback.Name, cfg.Providers.ExtractFallback.Model)
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr(cfg))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func listenAddr(cfg *config.Config) string {
	if cfg.Server.ListenAddr != "" {
		return cfg.Server.ListenAddr
	}
	return ":8080"
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
