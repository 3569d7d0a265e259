package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/privacypoint/docflow/bus"
	"github.com/privacypoint/docflow/daemon"
	"github.com/privacypoint/docflow/engine"
	docflowotel "github.com/privacypoint/docflow/otel"
	"github.com/privacypoint/docflow/registry"
	"github.com/privacypoint/docflow/stages"
	"github.com/privacypoint/docflow/state"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the document production daemon",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to docflow.yaml (default: ./docflow.yaml, ~/.docflow/config.yaml)")
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite state database (overrides config)")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	listenFlag, _ := cmd.Flags().GetString("listen")
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")

	cfg, err := daemon.LoadConfig(explicitConfigPath)
	if err != nil {
		return exitError(exitConfig, "loading config: %v", err)
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if sqlitePath != "" {
		cfg.Database = sqlitePath
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Telemetry
	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, err := setupTracing(cmd.Context(), cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	// State store
	var store state.Store
	if cfg.Database != "" {
		sqliteStore, err := state.NewSQLiteStore(state.SQLiteStoreConfig{DSN: cfg.Database})
		if err != nil {
			return fmt.Errorf("opening sqlite state store: %w", err)
		}
		defer func() {
			_ = sqliteStore.Close()
		}()
		store = sqliteStore
	} else {
		logger.Warn("no database configured, state is in-memory only")
		store = state.NewMemStore()
	}

	// Capabilities
	var stageOpts []stages.Option
	if cfg.LLM.Provider != "" {
		generator, err := newGenerator(cfg.LLM)
		if err != nil {
			return exitError(exitConfig, "configuring llm provider: %v", err)
		}
		stageOpts = append(stageOpts, stages.WithGenerator(generator))
	}
	reg, err := registry.DefaultPipeline(stages.Default(stageOpts...))
	if err != nil {
		return fmt.Errorf("building stage pipeline: %w", err)
	}

	// Event fan-out: live bus, persisted trail, traces and metrics.
	eventBus := bus.NewMemBus(bus.MemBusConfig{})
	defer func() {
		_ = eventBus.Close()
	}()
	eventStore := bus.NewMemEventStore()
	subscriber := bus.NewStoreSubscriber(eventStore, logger)

	tracing := docflowotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("docflow/engine"))
	metrics, err := docflowotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("docflow/engine"))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	handler := engine.MultiEventHandler(
		eventBus.Publish,
		subscriber.Handle,
		tracing.Handle,
		metrics.Handle,
	)

	// Webhooks only care about finished runs, so they tap the bus through a
	// kind-filtered subscription instead of the engine fan-out.
	webhooks := daemon.NewWebhookNotifier(nil, logger)
	finishedSub := eventBus.SubscribeKinds("", engine.EventRunFinished)
	go func() {
		for event := range finishedSub.Events() {
			webhooks.Handle(event)
		}
	}()

	ctrl, err := engine.NewController(store, reg, cfg.EnginePolicy(),
		engine.WithEventHandler(handler),
		engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}
	defer func() {
		_ = ctrl.Close()
	}()

	if err := ctrl.Resume(cmd.Context()); err != nil {
		return fmt.Errorf("resuming interrupted runs: %w", err)
	}

	sweeper, err := daemon.NewSweeper(ctrl, cfg.Sweeper.Schedule, logger)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      daemon.NewServer(ctrl, eventStore, logger).Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "docflow daemon listening on %s\n", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		webhooks.Wait()
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newGenerator(cfg daemon.LLMConfig) (stages.TextGenerator, error) {
	apiKeyEnv := cfg.APIKeyEnv
	if apiKeyEnv == "" {
		apiKeyEnv = "DOCFLOW_LLM_API_KEY"
	}
	provider, err := providers.Create(cfg.Provider, os.Getenv(apiKeyEnv))
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", cfg.Provider, err)
	}
	return stages.NewIrisGenerator(provider, cfg.Model), nil
}

func setupTracing(ctx context.Context, cfg daemon.TelemetryConfig) (func(context.Context) error, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("docflow"),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otelapi.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
