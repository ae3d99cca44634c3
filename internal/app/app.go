// Package app wires all callrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// drains calls and tears everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithRecorder, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/internal/calllog"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/relay"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/server"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/pkg/realtime"
)

// serviceName is reported by the status endpoint.
const serviceName = "callrelay"

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	provider   realtime.Provider
	guarded    *resilience.GuardedProvider
	recorder   calllog.Recorder
	metrics    *observe.Metrics
	metricsH   http.Handler
	calls      server.CallLookup
	registry   *session.MemRegistry
	supervisor *relay.Supervisor
	health     *health.Handler
	server     *server.Server
	httpServer *http.Server
	listener   net.Listener
	checkers   []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects the upstream provider instead of dialling the
// configured realtime endpoint. It is still wrapped in the circuit breaker.
func WithProvider(p realtime.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithRecorder injects a call log recorder instead of opening the
// configured database.
func WithRecorder(r calllog.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithMetrics injects the metric instruments instead of using the defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default
// Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Upstream provider ────────────────────────────────────────────
	a.initProvider()

	// ── 2. Call log ─────────────────────────────────────────────────────
	if err := a.initCallLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init call log: %w", err)
	}

	// ── 3. Registry + supervisor ────────────────────────────────────────
	a.registry = session.NewMemRegistry()
	a.supervisor = relay.NewSupervisor(relay.SupervisorConfig{
		Provider: a.guarded,
		Registry: a.registry,
		Defaults: CallDefaults(cfg),
		Recorder: a.recorder,
		Metrics:  a.metrics,
	})

	// ── 4. HTTP surface ─────────────────────────────────────────────────
	a.health = health.New(serviceName, a.registry.Len, a.checkers...)
	a.server = server.New(server.Config{
		Supervisor:     a.supervisor,
		Health:         a.health,
		Metrics:        a.metrics,
		MediaPath:      cfg.Server.MediaPath,
		StartTimeout:   cfg.Server.StartTimeout,
		MetricsHandler: a.metricsH,
		Calls:          a.calls,
	})
	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProvider builds the realtime client and wraps it in the breaker.
func (a *App) initProvider() {
	rt := a.cfg.Realtime
	if a.provider == nil {
		opts := []realtime.Option{realtime.WithModel(rt.Model)}
		if rt.BaseURL != "" {
			opts = append(opts, realtime.WithBaseURL(rt.BaseURL))
		}
		c := realtime.New(rt.APIKey, opts...)
		slog.Info("realtime client configured", "default_model", c.Model(), "endpoint", c.BaseURL())
		a.provider = c
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "realtime",
		MaxFailures:  rt.CircuitBreaker.MaxFailures,
		ResetTimeout: rt.CircuitBreaker.ResetTimeout,
		HalfOpenMax:  rt.CircuitBreaker.HalfOpenMax,
	})
	a.guarded = resilience.NewGuardedProvider(a.provider, breaker)
	a.checkers = append(a.checkers, health.Checker{Name: "upstream", Check: a.guarded.Check})
}

// initCallLog opens the call log when configured.
func (a *App) initCallLog(ctx context.Context) error {
	if a.recorder != nil {
		return nil
	}
	dsn := a.cfg.CallLog.PostgresDSN
	if dsn == "" {
		a.recorder = calllog.Nop{}
		return nil
	}

	store, err := calllog.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.recorder = store
	a.calls = store
	a.checkers = append(a.checkers, health.Checker{Name: "calllog", Check: store.Ping})
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("call log connected")
	return nil
}

// CallDefaults derives the per-call relay settings from cfg.
func CallDefaults(cfg *config.Config) relay.Defaults {
	rt := cfg.Realtime
	return relay.Defaults{
		Session: realtime.SessionConfig{
			Model:                   rt.Model,
			Instructions:            rt.Instructions,
			Voice:                   rt.Voice,
			TurnDetection:           rt.TurnDetection,
			InputTranscriptionModel: rt.InputTranscription,
		},
		InterruptOnSpeech: rt.InterruptOnSpeech,
		ConnectTimeout:    rt.ConnectTimeout,
		GracePeriod:       cfg.Server.Grace(),
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails. On
// cancellation it returns ctx.Err(); call Shutdown afterwards to drain calls.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.httpServer.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.httpServer.Addr, err)
		}
		a.listener = ln
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "media_path", a.cfg.Server.MediaPath)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Addr returns the listening address, or nil before Run has started
// listening.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Supervisor returns the call supervisor.
func (a *App) Supervisor() *relay.Supervisor { return a.supervisor }

// ActiveCalls returns the number of calls currently relayed.
func (a *App) ActiveCalls() int { return a.registry.Len() }

// ApplyConfig applies the hot-reloadable parts of next. Per-call defaults
// take effect for calls accepted afterwards; anything else is logged as
// requiring a restart.
func (a *App) ApplyConfig(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.CallDefaultsChanged {
		a.supervisor.SetDefaults(CallDefaults(next))
		slog.Info("call defaults reloaded", "fields", d.Fields)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the process as draining, stops accepting connections, ends
// every call in progress and runs the closers. It respects the context
// deadline: if ctx expires, remaining steps are skipped and the context error
// is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_calls", a.registry.Len(), "closers", len(a.closers))
		a.health.SetDraining(true)

		var errs []error
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("calls: %w", err))
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
