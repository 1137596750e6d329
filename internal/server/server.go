// Package server exposes the pipeline to clients.
//
// One chi router serves everything:
//
//	GET /ws       control channel and binary audio frames, one session each
//	GET /healthz  liveness
//	GET /readyz   readiness of the learning store and cache
//	GET /metrics  Prometheus scrape endpoint
//	GET /api/...  read-only admin views of the learning store
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/verbatim/internal/health"
	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/internal/session"
	"github.com/MrWong99/verbatim/pkg/types"
)

const (
	// defaultWriteTimeout bounds a single outbound WebSocket message.
	defaultWriteTimeout = 5 * time.Second

	// maxFrameSize is the largest inbound WebSocket message accepted.
	maxFrameSize = 1 << 20

	// outboundBuffer is the number of messages queued per connection before
	// the pipeline waits on the writer.
	outboundBuffer = 64
)

// Learner is the subset of [*learning.Memory] the server reads and writes.
type Learner interface {
	History(ctx context.Context, limit int) ([]types.HistoryItem, error)
	Stats(ctx context.Context) (types.Stats, error)
	Export(ctx context.Context) (types.Export, error)
	Rules(ctx context.Context, tone types.ToneMode) ([]types.LearnedRule, error)
	ActiveRules(ctx context.Context, tone types.ToneMode, minUsage int) ([]types.LearnedRule, error)
	RecordFeedback(ctx context.Context, kind types.FeedbackKind, original, output string, tone types.ToneMode) (float64, error)
	RecordCorrection(ctx context.Context, original, wrongOutput, corrected string, source types.CorrectionSource, tone types.ToneMode) error
	Accuracy(ctx context.Context) (float64, error)
	AutoImprove(ctx context.Context, original, wrongOutput string, tone types.ToneMode) (string, bool, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth replaces the health handler. The default has no readiness
// checks.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics instance used by the HTTP middleware and the
// control handlers.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns (path.Match syntax).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

// WithWriteTimeout overrides the per-message WebSocket write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Server routes client connections to sessions.
type Server struct {
	sessions *session.Manager
	learner  Learner

	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	originPatterns []string
	writeTimeout   time.Duration
	now            func() time.Time
}

// New creates a Server. Both sessions and learner are required.
func New(sessions *session.Manager, learner Learner, opts ...Option) *Server {
	s := &Server{
		sessions:     sessions,
		learner:      learner,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	return s
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))
	r.Use(middleware.Recoverer)

	s.health.Register(r)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/history", s.handleHistory)
		r.Get("/stats", s.handleStats)
		r.Get("/export", s.handleExport)
		r.Get("/rules", s.handleRules)
	})
	return r
}
