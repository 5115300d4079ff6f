// Command llamacore-worker is the model-hosting subprocess: it owns the
// native backend, the model registry/loader, the resource planner, and the
// response generator, and speaks the envelope protocol with its parent
// controller over stdin/stdout. All diagnostic logging goes to stderr so
// stdout stays reserved for the protocol stream.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/llamacore/internal/abortregistry"
	"github.com/MrWong99/llamacore/internal/chatsession"
	"github.com/MrWong99/llamacore/internal/config"
	"github.com/MrWong99/llamacore/internal/coremodel"
	"github.com/MrWong99/llamacore/internal/generation"
	"github.com/MrWong99/llamacore/internal/generation/toolbridge"
	"github.com/MrWong99/llamacore/internal/health"
	"github.com/MrWong99/llamacore/internal/modelcatalogue"
	"github.com/MrWong99/llamacore/internal/modelloader"
	"github.com/MrWong99/llamacore/internal/modelregistry"
	"github.com/MrWong99/llamacore/internal/nativebackend/llamacpp"
	"github.com/MrWong99/llamacore/internal/observe"
	"github.com/MrWong99/llamacore/internal/protocol"
	"github.com/MrWong99/llamacore/internal/resilience"
	"github.com/MrWong99/llamacore/internal/resourceplanner"
	"github.com/MrWong99/llamacore/internal/resourceplanner/hostinspect"
	"github.com/MrWong99/llamacore/internal/settings"
	"github.com/MrWong99/llamacore/internal/workerserve"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file shared with the controller")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "llamacore-worker: load config %q: %v\n", *configPath, err)
		return 1
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)
	slog.Info("llamacore-worker starting", "config", *configPath, "models", len(cfg.Models))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "llamacore-worker"})
	if err != nil {
		slog.Error("failed to init telemetry providers", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	srv, catalogue, err := buildServer(cfg, logger)
	if err != nil {
		slog.Error("failed to wire worker subsystems", "err", err)
		return 1
	}

	if cfg.Server.ListenAddr != "" {
		startMetricsServer(cfg.Server.ListenAddr, catalogue, logger)
	}

	watcher, err := config.NewWatcher(*configPath, onConfigChange(catalogue, levelVar, logger))
	if err != nil {
		slog.Warn("config watcher: disabled, initial load failed", "path", *configPath, "err", err)
	} else {
		defer watcher.Stop()
	}

	err = srv.Serve(ctx, os.Stdin, os.Stdout)
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		slog.Info("llamacore-worker exiting, controller disconnected")
		return 0
	}
	slog.Error("serve error", "err", err)
	return 1
}

// startMetricsServer serves Prometheus-format metrics and liveness/readiness
// probes on addr in the background. Runs independently of the envelope
// protocol, which always stays on stdio regardless of whether this
// listener starts. Readiness additionally checks that the model catalogue
// is still listable, since a corrupted or unreadable catalogue leaves the
// worker unable to serve any loadModel/listModels request.
func startMetricsServer(addr string, catalogue *modelcatalogue.Catalogue, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(health.Checker{
		Name: "catalogue",
		Check: func(ctx context.Context) error {
			_, err := catalogue.List(ctx)
			return err
		},
	}).Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()
}

// buildServer wires the native backend, catalogue, registry, loader,
// resource planner, settings service, and response generator into a
// workerserve.Server, closing the loop between the generator's tool
// bridge and the server's own reverse-call transport.
func buildServer(cfg *config.Config, logger *slog.Logger) (*workerserve.Server, *modelcatalogue.Catalogue, error) {
	backend := llamacpp.New()

	catalogue := modelcatalogue.New(cfg.Models)
	registry := modelregistry.New(backend)

	inspector := resourceplanner.NewReservingInspector(hostinspect.New(), cfg.Resources.ReservedRAMBytes, cfg.Resources.ReservedVRAMBytes)
	planner := resourceplanner.New(inspector, nil)

	store := settings.NewMemoryStore()
	seedSettingsStore(store, cfg.Models)

	loader := modelloader.New(catalogue, store, planner, backend, registry).
		WithGPULayerFallback(resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 2},
		})

	sessions := chatsession.New()
	abort := abortregistry.New()
	settingsSvc := settings.New(store, planner, catalogue, registry)

	srv := workerserve.New(loader, registry, nil, settingsSvc, sessions, abort, catalogue).
		WithLogger(logger)

	bridge := toolbridge.New(srv, &protocol.IDGenerator{})
	generator := generation.New(backend, sessions, bridge, abort)
	srv.WithGenerator(generator)

	return srv, catalogue, nil
}

// seedSettingsStore primes the settings store with each model's configured
// defaults so getModelSettings reflects them before any setModelSettings
// call overrides them.
func seedSettingsStore(store *settings.MemoryStore, models []config.ModelConfig) {
	for _, m := range models {
		ds := m.DefaultSettings
		if ds.GPULayers == nil && ds.ContextSize == nil && ds.BatchSize == nil && ds.Threads == nil && ds.Temperature == nil {
			continue
		}
		var s coremodel.ModelLoadingSettings
		if ds.GPULayers != nil {
			s.GPULayers, s.HasGPULayers = *ds.GPULayers, true
		}
		if ds.ContextSize != nil {
			s.ContextSize, s.HasContextSize = *ds.ContextSize, true
		}
		if ds.BatchSize != nil {
			s.BatchSize, s.HasBatchSize = *ds.BatchSize, true
		}
		if ds.Threads != nil {
			s.Threads, s.HasThreads = *ds.Threads, true
		}
		if ds.Temperature != nil {
			s.Temperature, s.HasTemperature = *ds.Temperature, true
		}
		store.Set(m.ID, s)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// onConfigChange builds the config.Watcher callback: it diffs the old and
// new config, reloads the model catalogue when the model set changed, and
// adjusts the live log level in place when it changed. Changes to
// server.listen_addr or worker.command are deliberately not applied here
// (see config.Diff) since both require a process restart.
func onConfigChange(catalogue *modelcatalogue.Catalogue, levelVar *slog.LevelVar, logger *slog.Logger) func(old, new *config.Config) {
	return func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.ModelsChanged {
			catalogue.Reload(new.Models)
			logger.Info("config watcher: model catalogue reloaded", "changes", len(d.ModelChanges))
		}
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			logger.Info("config watcher: log level changed", "level", d.NewLogLevel)
		}
	}
}
