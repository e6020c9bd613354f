// Package app wires the Nimbus subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the lease backend,
// circuit breakers, studio, health checks and gateway from the config, Run
// serves HTTP until the context ends, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithLocker,
// WithListener, etc.). When an option is not provided, New creates the real
// implementation from the config.
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

	"golang.org/x/sync/errgroup"

	"github.com/nimbusiq/nimbus/internal/config"
	"github.com/nimbusiq/nimbus/internal/gateway"
	"github.com/nimbusiq/nimbus/internal/health"
	"github.com/nimbusiq/nimbus/internal/lease"
	"github.com/nimbusiq/nimbus/internal/observe"
	"github.com/nimbusiq/nimbus/internal/resilience"
	"github.com/nimbusiq/nimbus/internal/studio"
	"github.com/nimbusiq/nimbus/pkg/provider/s2s"
)

// drainTimeout bounds how long Run waits for live sockets to close once its
// context ends.
const drainTimeout = 10 * time.Second

// Providers holds the hosted backends. Populated by main.go via the config
// registry. A nil Studio is built from the config when it carries an API
// key, and left disabled otherwise.
type Providers struct {
	Realtime s2s.Provider
	Studio   gateway.Studio
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	src      gateway.ConfigSource
	watcher  *config.Watcher
	locker   lease.Locker
	metrics  *observe.Metrics
	breaker  *resilience.CircuitBreaker
	health   *health.Handler
	gateway  *gateway.Server
	server   *http.Server
	listener net.Listener

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithWatcher serves the configuration held by w and polls it while Run is
// active. Without it the config passed to New is served unchanged.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLocker injects a lease backend instead of creating one from config.
func WithLocker(l lease.Locker) Option {
	return func(a *App) { a.locker = l }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// staticSource serves a config that never changes.
type staticSource struct{ cfg *config.Config }

func (s staticSource) Current() *config.Config { return s.cfg }

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously, including the lease
// backend connection and the listening socket, so that configuration errors
// surface before Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Realtime == nil {
		return nil, errors.New("app: realtime provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.src = staticSource{cfg: cfg}
	if a.watcher != nil {
		a.src = a.watcher
	}

	// ── 1. Lease backend ─────────────────────────────────────────────────
	if err := a.initLease(ctx); err != nil {
		return nil, fmt.Errorf("app: init lease: %w", err)
	}

	// ── 2. Circuit breaker ───────────────────────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "realtime",
		MaxFailures:   cfg.Relay.BreakerMaxFailures,
		ResetTimeout:  cfg.Relay.BreakerResetTimeout,
		OnStateChange: logBreaker,
	})

	// ── 3. Studio ────────────────────────────────────────────────────────
	a.initStudio()

	// ── 4. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.LeaseChecker(a.locker),
		health.BreakerChecker(a.breaker),
		health.APIKeyChecker(func() string {
			return a.src.Current().Providers.Realtime.APIKey
		}),
	}
	if st, ok := a.providers.Studio.(*studio.Studio); ok && st.Breaker() != nil {
		checkers = append(checkers, health.BreakerChecker(st.Breaker()))
	}
	a.health = health.New(checkers...)

	// ── 5. Gateway ───────────────────────────────────────────────────────
	gwOpts := []gateway.Option{
		gateway.WithLease(a.locker, cfg.Lease.TTL),
		gateway.WithBreaker(a.breaker),
		gateway.WithMetrics(a.metrics),
		gateway.WithHealth(a.health),
		gateway.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}
	if a.providers.Studio != nil {
		gwOpts = append(gwOpts, gateway.WithStudio(a.providers.Studio))
	}
	a.gateway = gateway.New(a.src, a.providers.Realtime, gwOpts...)

	// ── 6. HTTP server ───────────────────────────────────────────────────
	if a.listener == nil {
		ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: listen on %s: %w", cfg.Server.ListenAddr, err)
		}
		a.listener = ln
	}
	a.closers = append(a.closers, func() error {
		if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	a.server = &http.Server{
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("app initialised",
		"addr", a.listener.Addr().String(),
		"panels", len(cfg.Panels),
		"lease", cfg.Lease.Backend,
		"studio", a.providers.Studio != nil,
	)
	return a, nil
}

// initLease connects the configured lease backend unless one was injected.
func (a *App) initLease(ctx context.Context) error {
	if a.locker != nil {
		return nil
	}
	switch a.cfg.Lease.Backend {
	case config.LeaseRedis:
		var opts []lease.RedisOption
		if a.cfg.Lease.Prefix != "" {
			opts = append(opts, lease.WithPrefix(a.cfg.Lease.Prefix))
		}
		r, err := lease.Dial(ctx, a.cfg.Lease.RedisAddr, a.cfg.Lease.RedisPassword, opts...)
		if err != nil {
			return err
		}
		a.locker = r
		a.closers = append(a.closers, r.Close)
		slog.Info("lease backend connected", "backend", "redis", "addr", a.cfg.Lease.RedisAddr)
	default:
		a.locker = lease.NewMemory()
	}
	return nil
}

// initStudio builds the one-shot studio from config when none was injected
// and a credential is available.
func (a *App) initStudio() {
	if a.providers.Studio != nil {
		return
	}
	sc := a.cfg.Providers.Studio
	if sc.APIKey == "" {
		slog.Info("studio disabled: no API key configured")
		return
	}
	a.providers.Studio = studio.New(sc.APIKey,
		studio.WithSpeechModel(sc.SpeechModel),
		studio.WithTranscriptionModel(sc.TranscriptionModel),
		studio.WithInspectionModel(sc.InspectionModel),
		studio.WithReasoningModel(sc.ReasoningModel),
		studio.WithPrompt(sc.TranscriptionPrompt),
		studio.WithVoice(sc.Voice),
		studio.WithMetrics(a.metrics),
		studio.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "studio",
			MaxFailures:   a.cfg.Relay.BreakerMaxFailures,
			ResetTimeout:  a.cfg.Relay.BreakerResetTimeout,
			OnStateChange: logBreaker,
		})),
	)
}

// Addr returns the address the server listens on.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, and polls the config watcher when one is set, until ctx is
// cancelled or the server fails. When ctx ends it closes every live socket
// and stops accepting requests before returning ctx.Err().
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = a.server.ServeTLS(a.listener, t.CertFile, t.KeyFile)
		} else {
			err = a.server.Serve(a.listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		return a.stopServing(sctx)
	})

	slog.Info("server listening", "addr", a.listener.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// stopServing closes live sockets first, since [http.Server.Shutdown] does
// not track hijacked connections, then the listener and idle connections.
func (a *App) stopServing(ctx context.Context) error {
	return errors.Join(
		a.gateway.Shutdown(ctx),
		a.server.Shutdown(ctx),
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops serving and tears down all subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the gateway first so that every panel releases its lease.
		if err := a.stopServing(ctx); err != nil {
			slog.Warn("server shutdown error", "err", err)
			if ctx.Err() != nil {
				shutdownErr = ctx.Err()
				return
			}
		}

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

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func logBreaker(name string, from, to resilience.State) {
	slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
}
