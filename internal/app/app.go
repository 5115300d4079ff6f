// Package app wires the controller-side subsystems into a running
// application: it launches the llamacore-worker subprocess behind a
// workerproxy.Proxy, exposes it to the rest of the controller through a
// thin llamacore.Client, and answers the worker's reverse tool calls
// through a toolhost.Host.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run blocks for the process lifetime, and Shutdown tears
// everything down in order.
//
// For testing, inject a toolhost.Host via WithToolHost and a
// workerproxy.Launcher via WithLauncher. When an option is not provided,
// New builds the real implementation from config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/llamacore/internal/config"
	"github.com/MrWong99/llamacore/internal/llamacore"
	"github.com/MrWong99/llamacore/internal/toolhost"
	"github.com/MrWong99/llamacore/internal/workerproxy"
)

// App owns the controller's worker subprocess and the client/tool-host
// pair wired around it.
type App struct {
	cfg *config.Config

	launcher workerproxy.Launcher
	toolHost *toolhost.Host
	proxy    *workerproxy.Proxy
	client   *llamacore.Client

	// closers are called in reverse-init order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithToolHost injects a tool host instead of creating an empty one.
func WithToolHost(h *toolhost.Host) Option {
	return func(a *App) { a.toolHost = h }
}

// WithLauncher injects a workerproxy.Launcher instead of building an
// ExecLauncher from cfg.Worker. Used by tests to run the worker side in
// an in-memory pipe rather than a real subprocess.
func WithLauncher(l workerproxy.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// New wires the App together and starts the worker subprocess. It blocks
// until the worker acknowledges its init envelope or ctx is cancelled.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.toolHost == nil {
		a.toolHost = toolhost.New()
	}

	if a.launcher == nil {
		a.launcher = buildLauncher(cfg.Worker)
	}

	a.proxy = workerproxy.New(a.launcher).WithReverseCallHandler(a.toolHost)
	if err := a.proxy.Start(ctx); err != nil {
		return nil, fmt.Errorf("app: start worker: %w", err)
	}
	a.closers = append(a.closers, func() error {
		return a.proxy.Terminate(context.Background())
	})

	a.client = llamacore.New(a.proxy)
	if err := a.client.WaitUntilReady(ctx); err != nil {
		return nil, fmt.Errorf("app: wait for worker readiness: %w", err)
	}

	slog.Info("app: worker ready", "models", len(cfg.Models))
	return a, nil
}

// buildLauncher constructs the real subprocess launcher from worker config,
// flattening the env map to the KEY=VALUE form workerproxy.ExecLauncher
// expects.
func buildLauncher(cfg config.WorkerConfig) *workerproxy.ExecLauncher {
	l := workerproxy.NewExecLauncher(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		l.Env = env
	}
	return l
}

// Client returns the controller-facing client over the worker protocol.
func (a *App) Client() *llamacore.Client { return a.client }

// ToolHost returns the registry of tools exposed to the worker's model.
func (a *App) ToolHost() *toolhost.Host { return a.toolHost }

// Run blocks until ctx is cancelled. The worker subprocess and its
// supervision loop run independently of Run; external interfaces (a CLI
// REPL, a future HTTP surface) drive a.Client() concurrently with Run.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running — worker ready for requests")
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown tears down the worker subprocess and any other registered
// closers in reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
