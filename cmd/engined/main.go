// Command engined runs the audio engine as a standalone daemon: it loads
// configuration, builds the graph/compiler/executor stack, starts the
// configured output backend, and serves the control surface over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wavegraph/engine/internal/api"
	"github.com/wavegraph/engine/internal/backend"
	"github.com/wavegraph/engine/internal/compiler"
	"github.com/wavegraph/engine/internal/config"
	"github.com/wavegraph/engine/internal/control"
	"github.com/wavegraph/engine/internal/diagstore"
	"github.com/wavegraph/engine/internal/metrics"
	"github.com/wavegraph/engine/internal/nodes"
	"github.com/wavegraph/engine/internal/vm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting engined",
		"http_addr", cfg.HTTPAddr,
		"backend", cfg.Backend,
		"block_size", cfg.BlockSize,
		"sample_rate", cfg.SampleRate,
	)

	diagDB, err := diagstore.Open(cfg.DiagnosticsDBPath)
	if err != nil {
		logger.Error("failed to open diagnostics store", "error", err)
		os.Exit(1)
	}
	defer diagDB.Close()
	diagStore := diagstore.NewStore(diagDB, 0)

	jwtKey, err := cfg.JWTSecretBytes()
	if err != nil {
		logger.Error("failed to resolve jwt secret", "error", err)
		os.Exit(1)
	}

	host := compiler.HostParams{BlockSize: cfg.BlockSize, SampleRate: cfg.SampleRate}

	registry := nodes.NewRegistry()
	nodes.RegisterBuiltins(registry)

	exec := vm.New(host, logger)

	initialBackend, err := buildBackend(cfg, host, logger)
	if err != nil {
		logger.Error("failed to construct initial backend", "error", err)
		os.Exit(1)
	}

	ctrlCfg := control.DefaultConfig(host)
	ctrlCfg.WriterLockTimeout = time.Duration(cfg.WriterLockTimeout) * time.Millisecond
	surface := control.New(ctrlCfg, registry, exec, initialBackend, logger)
	surface.SetDiagStore(diagStore)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := surface.SetBackend(appCtx, initialBackend); err != nil {
		logger.Error("failed to start initial backend", "error", err)
		os.Exit(1)
	}

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(exec, perfSpans{exec}, exec, exec, surface, time.Now())
	promReg.MustRegister(collector)

	handler := api.NewServer(surface, cfg, jwtKey, logger)

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control transport listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("control transport error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := surface.Shutdown(shutdownCtx); err != nil {
		logger.Error("control surface shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("engined stopped")
}

// buildBackend constructs the backend named by cfg.Backend. It is never
// started here — surface.SetBackend takes care of that once the control
// surface exists, so a backend's first block never races its own listener
// registration.
func buildBackend(cfg *config.Config, host compiler.HostParams, logger *slog.Logger) (backend.Backend, error) {
	const defaultChannels = 2
	switch cfg.Backend {
	case "null":
		return backend.NewNull(host.BlockSize, host.SampleRate, defaultChannels, logger), nil
	case "system":
		return backend.NewSystem(defaultChannels, host.BlockSize, float64(host.SampleRate), logger), nil
	case "ipc":
		if cfg.ShmRegion == "" {
			return nil, fmt.Errorf("shm-region is required when backend is ipc")
		}
		return backend.NewIPC(cfg.ShmRegion, host.BlockSize, host.SampleRate, defaultChannels, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend)
	}
}

// perfSpans adapts vm.Executor's perf spans to metrics.PerfProvider.
type perfSpans struct{ exec *vm.Executor }

func (p perfSpans) LastPerfSpans() []metrics.PerfEntry {
	spans := p.exec.LastPerfSpans()
	out := make([]metrics.PerfEntry, len(spans))
	for i, sp := range spans {
		out[i] = metrics.PerfEntry{NodeID: sp.NodeID, NodeKind: sp.NodeKind, Last: sp.Last}
	}
	return out
}
