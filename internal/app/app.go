// Package app wires the verbatim subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the learning store and
// builds the pipeline, Run serves HTTP until the context ends, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithCache).
// When an option is not provided, New creates real implementations from the
// config and registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/verbatim/internal/config"
	"github.com/MrWong99/verbatim/internal/health"
	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/internal/learning/cache"
	"github.com/MrWong99/verbatim/internal/learning/llmimprove"
	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/internal/server"
	"github.com/MrWong99/verbatim/internal/session"
	"github.com/MrWong99/verbatim/internal/transcript"
	"github.com/MrWong99/verbatim/internal/transcript/dedup"
	"github.com/MrWong99/verbatim/internal/transcript/disfluency"
	"github.com/MrWong99/verbatim/pkg/provider/llm"
	"github.com/MrWong99/verbatim/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main via the config registry.
type Providers struct {
	// LLM, when set, suggests auto_improve rewrites before the built-in table.
	LLM llm.Provider

	// STT, when set, transcribes binary audio frames. Without it only the
	// transcript command feeds the pipeline.
	STT stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	registry  *config.Registry
	logLevel  *slog.LevelVar
	metrics   *observe.Metrics
	scrape    http.Handler
	watcher   *config.Watcher

	store    learning.Store
	cache    learning.Cache
	memory   *learning.Memory
	pipeline *transcript.Orchestrator
	sessions *session.Manager
	server   *http.Server
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a learning store instead of creating one from config.
// The App takes ownership and closes it on Shutdown.
func WithStore(s learning.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCache injects a rule cache instead of dialling Redis.
func WithCache(c learning.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithRegistry sets the registry used to open the configured store backend.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLogLevel lets a config reload change the level of the handler built
// around v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler mounted on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithWatcher makes Run poll the config file. Route the watcher's change
// callback to [App.Reload].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initCache(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	a.initMemory()
	a.initPipeline()
	a.initServer()
	return a, nil
}

// initStore opens the configured learning store through the registry.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		if a.registry == nil {
			return errors.New("no store injected and no registry to create one")
		}
		s, err := a.registry.CreateStore(ctx, a.cfg.Store)
		if err != nil {
			return err
		}
		a.store = s
		slog.Info("learning store opened", "backend", a.cfg.Store.Backend)
	}
	return nil
}

// initCache dials Redis when an address is configured.
func (a *App) initCache(ctx context.Context) error {
	if a.cache != nil || a.cfg.Cache.RedisAddr == "" {
		return nil
	}
	c, err := cache.Dial(ctx, a.cfg.Cache.RedisAddr, a.cfg.Cache.RedisDB,
		cache.WithTTL(a.cfg.Cache.TTL),
		cache.WithPrefix(a.cfg.Cache.Prefix),
	)
	if err != nil {
		return err
	}
	a.cache = c
	a.closers = append(a.closers, c.Close)
	slog.Info("rule cache connected", "addr", a.cfg.Cache.RedisAddr)
	return nil
}

func (a *App) initMemory() {
	var opts []learning.Option
	if a.cache != nil {
		opts = append(opts, learning.WithCache(a.cache))
	}
	if a.providers.LLM != nil {
		opts = append(opts, learning.WithImprover(llmimprove.New(a.providers.LLM)))
	}
	a.memory = learning.New(a.store, opts...)
	// Closers run after the sessions are gone, so the store goes last.
	a.closers = append(a.closers, a.memory.Close)
}

func (a *App) initPipeline() {
	p := a.cfg.Pipeline
	d, f := cleaners(p)
	a.pipeline = transcript.New(
		transcript.WithRules(a.memory),
		transcript.WithTiming(p.Timing()),
		transcript.WithDeduplicator(d),
		transcript.WithFilter(f),
		transcript.WithMetrics(a.metrics),
	)

	opts := []session.ManagerOption{
		session.WithDefaultTone(p.DefaultTone),
		session.WithMetrics(a.metrics),
	}
	if a.providers.STT != nil {
		opts = append(opts, session.WithRedialer(session.NewRedialer(a.providers.STT, session.RedialerConfig{})))
	}
	a.sessions = session.NewManager(a.pipeline, opts...)
	a.sessions.SetBudget(p.LatencyBudget)
	a.sessions.SetPauses(p.SentencePause, p.ParagraphPause)
}

func (a *App) initServer() {
	checkers := []health.Checker{health.Ping("store", a.memory)}
	if p, ok := a.cache.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Ping("cache", p))
	}
	opts := []server.Option{
		server.WithHealth(health.New(checkers...)),
		server.WithMetrics(a.metrics),
	}
	if a.scrape != nil {
		opts = append(opts, server.WithMetricsHandler(a.scrape))
	}
	srv := server.New(a.sessions, a.memory, opts...)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
}

// cleaners builds the deduplicator and disfluency filter for p.
func cleaners(p config.PipelineConfig) (*dedup.Deduplicator, *disfluency.Filter) {
	d := dedup.New(dedup.WithWindow(p.DedupWindow), dedup.WithThreshold(p.DedupThreshold))
	var fopts []disfluency.Option
	if len(p.Fillers) > 0 {
		fopts = append(fopts, disfluency.WithFillers(p.Fillers...))
	}
	return d, disfluency.New(fopts...)
}

// Memory returns the learning memory. Intended for the admin commands and
// tests.
func (a *App) Memory() *learning.Memory { return a.memory }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Reload applies the hot-reloadable part of a config change. Settings that
// need a restart are logged and otherwise ignored.
func (a *App) Reload(old, new *config.Config) {
	diff := config.Diff(old, new)
	if diff.Empty() {
		return
	}
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Level())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.PipelineChanged {
		p := diff.NewPipeline
		a.pipeline.SetTiming(p.Timing())
		a.pipeline.SetCleaners(cleaners(p))
		a.sessions.SetBudget(p.LatencyBudget)
		a.sessions.SetPauses(p.SentencePause, p.ParagraphPause)
		a.sessions.SetDefaultTone(p.DefaultTone)
		slog.Info("pipeline settings reloaded",
			"latency_budget", p.LatencyBudget,
			"grammar_cap", p.GrammarCap,
			"default_tone", p.DefaultTone,
		)
	}
	for _, section := range diff.RestartRequired {
		slog.Warn("config change needs a restart to take effect", "section", section)
	}
}

// Run serves HTTP, and polls the config file when a watcher is set, until
// ctx is cancelled. The HTTP server is drained within
// cfg.Server.ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

// Shutdown closes every session, waiting for in-flight utterances, then
// releases the cache and the store. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count())

		done := make(chan error, 1)
		go func() { done <- a.sessions.CloseAll() }()
		select {
		case err := <-done:
			if err != nil {
				slog.Warn("closing sessions", "err", err)
			}
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while closing sessions")
			shutdownErr = ctx.Err()
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
	if a.store != nil {
		_ = a.store.Close()
	}
	for _, c := range a.closers {
		_ = c()
	}
}
