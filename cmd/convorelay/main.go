package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/convorelay/relay/internal/api"
	"github.com/convorelay/relay/internal/config"
	"github.com/convorelay/relay/internal/engine"
	"github.com/convorelay/relay/internal/feedback"
	"github.com/convorelay/relay/internal/observability"
	"github.com/convorelay/relay/internal/proxy"
	"github.com/convorelay/relay/internal/registry"
	"github.com/convorelay/relay/internal/relay"
	"github.com/convorelay/relay/internal/sink"
	"github.com/convorelay/relay/internal/synth"
	"github.com/convorelay/relay/internal/version"
)

const defaultConfigPath = "convorelay.yaml"

const pipelineShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 60 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

func loadAndValidateConfig(path string) (config.Config, string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, cfg.Tracing.ProjectName, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	engineTransport := http.DefaultTransport
	if otelRuntime != nil {
		engineTransport = otelRuntime.WrapHTTPTransport(engineTransport)
	}
	engineClient, err := engine.NewClient(engine.Options{
		Domain:       cfg.Engine.Domain,
		VersionID:    cfg.Engine.VersionID,
		APIKey:       cfg.Engine.APIKey,
		WidgetKey:    cfg.Engine.WidgetKey,
		Timeout:      time.Duration(cfg.Engine.TimeoutMS) * time.Millisecond,
		ExcludeTypes: cfg.Engine.ExcludeTypes,
		Transport:    engineTransport,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize engine client: %v\n", err)
		return 1
	}

	store, err := newRegistryStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize span registry: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close span registry", "error", err)
		}
	}()
	ring := registry.NewRing(0)

	emitter := sink.NewOTel(sink.Options{TracerProvider: otelRuntime.TracerProvider()})

	var pipeline *synth.Pipeline
	if cfg.Tracing.Enabled {
		pipeline = synth.NewPipeline(emitter, cfg.Tracing.QueueSize)
		pipeline.SetEmitFailureHandler(func(failure synth.EmitFailure) {
			logger.Error(
				"span emit failed; dropped turn trace",
				"user_id", failure.UserID,
				"error_class", failure.ErrorClass,
				"error", failure.Err,
			)
			if otelRuntime != nil {
				otelRuntime.RecordEmitFailure(failure.ErrorClass)
			}
		})
		pipeline.SetEmittedHandler(func(turn synth.Turn, spanID string, root *synth.Span) {
			ring.Add(spanID)
			record := registry.SpanRecord{
				SpanID:    spanID,
				UserID:    turn.UserID,
				StartTime: root.StartTime,
				EndTime:   root.EndTime,
			}
			if err := store.RecordSpan(context.Background(), record); err != nil {
				logger.Warn("failed to record span reference", "span_id", spanID, "user_id", turn.UserID, "error", err)
			}
		})
		pipeline.Start(context.Background())
		defer shutdownPipeline(logger, pipeline, pipelineShutdownTimeout)
	}

	var feedbackClient *feedback.Client
	if cfg.Feedback.Endpoint != "" {
		feedbackClient, err = feedback.NewClient(feedback.Options{
			Endpoint: cfg.Feedback.Endpoint,
			APIKey:   cfg.Feedback.APIKey,
			Logger:   logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize feedback client: %v\n", err)
			return 1
		}
	}

	service, err := relay.NewService(relay.Options{
		Engine:    engineClient,
		Pipeline:  pipeline,
		Sink:      emitter,
		TokenMode: cfg.Tracing.TokenMode,
		Tracing:   cfg.Tracing.Enabled,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize relay service: %v\n", err)
		return 1
	}

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:     version.String(),
		Service:        service,
		Pipeline:       pipeline,
		Ring:           ring,
		Store:          store,
		Feedback:       feedbackClient,
		RegistryDriver: cfg.Registry.Driver,
		RegistryPath:   cfg.Registry.Path,
		ExportStats: func() any {
			return otelRuntime.ExportStats()
		},
		OnQueueDrop: func() {
			if otelRuntime != nil {
				otelRuntime.RecordQueueDrop()
			}
		},
	})

	proxyOptions := proxy.HandlerOptions{}
	if otelRuntime != nil {
		proxyOptions.Transport = otelRuntime.WrapHTTPTransport(http.DefaultTransport)
	}
	handler, err := proxy.NewHandlerWithOptions(proxy.EngineRoutes(engineClient.BaseURL()), logger, apiHandler, proxyOptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure proxy routes: %v\n", err)
		return 1
	}
	if otelRuntime != nil {
		handler = otelRuntime.SpanEnrichmentMiddleware(handler)
		handler = otelRuntime.WrapHTTPHandler(handler)
	}
	server := newRelayServer(cfg, logger, handler)

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"port", cfg.Server.Port,
		"engine_domain", cfg.Engine.Domain,
		"engine_version_id", cfg.Engine.VersionID,
		"tracing_enabled", cfg.Tracing.Enabled,
		"token_mode", cfg.Tracing.TokenMode,
		"registry_driver", cfg.Registry.Driver,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("relay stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("relay failed", "error", err)
			return 1
		}
		return 0
	}
}

func newRegistryStore(cfg config.Config) (registry.Store, error) {
	switch cfg.Registry.Driver {
	case "sqlite":
		return registry.NewSQLiteStore(cfg.Registry.Path)
	case "postgres":
		return registry.NewPostgresStore(cfg.Registry.DSN)
	default:
		return nil, fmt.Errorf("unsupported registry.driver %q", cfg.Registry.Driver)
	}
}

func newRelayServer(cfg config.Config, logger *slog.Logger, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           proxy.LoggingMiddleware(logger, handler),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

func shutdownPipeline(logger *slog.Logger, pipeline *synth.Pipeline, timeout time.Duration) {
	if pipeline == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		logger.Error(
			"failed to drain synthesis queue before shutdown",
			"error", err,
			"timeout", timeout.String(),
		)
		return
	}
	logger.Info("drained synthesis queue before shutdown", "duration_ms", time.Since(start).Milliseconds())
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  convorelay serve [--config path/to/convorelay.yaml]")
	fmt.Fprintln(out, "  convorelay version")
	fmt.Fprintln(out, "  convorelay config validate [--config path/to/convorelay.yaml]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  convorelay config validate [--config path/to/convorelay.yaml]")
}
