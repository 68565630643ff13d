// Package app wires all callrelay subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context is cancelled, and Shutdown
// drains in-flight webhook work and tears everything down in order.
//
// For testing, inject test doubles via functional options (WithRecordStore,
// WithCallState, WithProvider, etc.). When an option is not provided, New
// creates real implementations from the config.
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

	"github.com/MrWong99/callrelay/internal/callstate"
	"github.com/MrWong99/callrelay/internal/callstate/redisstate"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/finalize"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/outbound"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/webhook"
	"github.com/MrWong99/callrelay/pkg/provider/voicecall"
	"github.com/MrWong99/callrelay/pkg/provider/voicecall/retell"
	"github.com/MrWong99/callrelay/pkg/records"
	"github.com/MrWong99/callrelay/pkg/records/postgres"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the call relay service.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store          records.Store
	leads          records.LeadDirectory
	state          callstate.State
	provider       voicecall.Provider
	metricsHandler http.Handler

	finalizer *finalize.Finalizer
	ingestor  *webhook.Ingestor
	initiator *outbound.Initiator

	// closers are called in order during Shutdown.
	closers []func() error

	mu     sync.Mutex
	server *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRecordStore injects a record store instead of connecting to PostgreSQL.
// When the store also implements [records.LeadDirectory] it is used for owner
// lookups unless WithLeadDirectory is given.
func WithRecordStore(s records.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLeadDirectory injects the lead directory used to resolve call owners.
func WithLeadDirectory(d records.LeadDirectory) Option {
	return func(a *App) { a.leads = d }
}

// WithCallState injects the per-call state backend.
func WithCallState(s callstate.State) Option {
	return func(a *App) { a.state = s }
}

// WithProvider injects the voice provider instead of building one from the
// registry. The provider is still wrapped in a circuit breaker.
func WithProvider(p voicecall.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithRegistry replaces [DefaultRegistry] as the source of voice providers.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metrics instance shared by all subsystems.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at the configured metrics path, typically
// [observe.Telemetry.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// DefaultRegistry returns a registry with every built-in voice provider.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterVoiceCall(retell.Name, func(cfg config.ProviderConfig) (voicecall.Provider, error) {
		return retell.New(cfg.APIKey,
			retell.WithBaseURL(cfg.BaseURL),
			retell.WithTimeout(cfg.Timeout),
		)
	})
	return reg
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}

	// ── 1. Record store ─────────────────────────────────────────────────
	if err := a.initRecords(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init records: %w", err)
	}

	// ── 2. Call state ───────────────────────────────────────────────────
	if err := a.initCallState(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init call state: %w", err)
	}

	// ── 3. Voice provider ───────────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 4. Pipeline ─────────────────────────────────────────────────────
	a.finalizer = finalize.New(a.state, a.store, a.leads,
		finalize.WithProviderName(a.cfg.Provider.Name),
		finalize.WithMetrics(a.metrics),
		finalize.WithWriteBudget(finalize.WriteBudget(a.lockTTL())),
	)
	a.ingestor = webhook.NewIngestor(a.state, a.finalizer, webhook.WithMetrics(a.metrics))
	a.initiator = outbound.NewInitiator(a.provider, a.store, a.state, outbound.Config{
		DefaultAgentID: a.cfg.Provider.DefaultAgentID,
		FromNumber:     a.cfg.Provider.FromNumber,
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initRecords connects the PostgreSQL record store or uses injected doubles.
func (a *App) initRecords(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Store.PostgresDSN
		if dsn == "" {
			return errors.New("store.postgres_dsn is required when no record store is injected")
		}
		s, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() error {
			s.Close()
			return nil
		})
	}
	if a.leads == nil {
		if d, ok := a.store.(records.LeadDirectory); ok {
			a.leads = d
		} else {
			slog.Warn("record store has no lead directory; owners come from call metadata only")
		}
	}
	return nil
}

// initCallState builds the configured call state backend unless one was
// injected. Injected backends are still closed on Shutdown.
func (a *App) initCallState(ctx context.Context) error {
	cs := a.cfg.CallState
	if a.state == nil {
		switch cs.Backend {
		case config.BackendRedis:
			s, err := redisstate.New(ctx, redisstate.Config{
				Addr:      cs.RedisAddr,
				Password:  cs.RedisPassword,
				DB:        cs.RedisDB,
				KeyPrefix: cs.KeyPrefix,
				Retention: cs.Retention,
				IdleTTL:   cs.IdleTTL,
				LockTTL:   cs.LockTTL,
			})
			if err != nil {
				return err
			}
			a.state = s
		case config.BackendMemory, "":
			a.state = callstate.NewMemState(
				callstate.WithRetention(cs.Retention),
				callstate.WithIdleTTL(cs.IdleTTL),
				callstate.WithSweepInterval(cs.SweepInterval),
			)
		default:
			return fmt.Errorf("unknown call state backend %q", cs.Backend)
		}
		slog.Info("call state ready", "backend", cs.Backend)
	}
	a.closers = append(a.closers, a.state.Close)
	return nil
}

// lockTTL is the lease of the call state's per-call lock: the backend's own
// when it reports one, else the configured value.
func (a *App) lockTTL() time.Duration {
	if l, ok := a.state.(interface{ LockTTL() time.Duration }); ok {
		return l.LockTTL()
	}
	return a.cfg.CallState.LockTTL
}

// initProvider resolves the voice provider and wraps it in a circuit
// breaker. Without an API key no provider is built; webhooks are still
// served and call initiation reports a missing credential.
func (a *App) initProvider() error {
	p := a.provider
	if p == nil {
		if a.cfg.Provider.APIKey == "" {
			slog.Warn("no voice provider credential configured; outbound calls disabled")
			return nil
		}
		created, err := a.registry.CreateVoiceCall(a.cfg.Provider)
		if err != nil {
			return err
		}
		p = created
	}
	a.provider = resilience.NewGuardedProvider(p, resilience.CircuitBreakerConfig{
		Name: "voicecall/" + p.Name(),
	}, a.metrics)
	slog.Info("voice provider ready", "provider", p.Name())
	return nil
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the service's HTTP handler: the webhook route, the call
// initiation API, health probes and, when configured, the metrics endpoint,
// all behind [observe.Middleware].
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+a.cfg.Server.WebhookPath, a.ingestor)
	outbound.NewHandler(a.initiator).Register(mux)

	checks := []health.Checker{health.Ping("callstate", a.state)}
	if p, ok := a.store.(health.Pinger); ok {
		checks = append(checks, health.Ping("records", p))
	}
	health.New(checks...).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then stops accepting new
// connections. When ctx is done, Serve returns context.Canceled (or the
// underlying cause). In-flight webhook work is drained by Shutdown.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	slog.Info("app running", "addr", ln.Addr().String(), "webhook_path", a.cfg.Server.WebhookPath)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, waits for in-flight webhook processing and
// then runs all closers. It respects the context deadline: if ctx expires
// while draining, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		if err := a.ingestor.Wait(ctx); err != nil {
			slog.Warn("in-flight webhook work did not finish", "err", err)
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
