// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// for the dispatcher runtime.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fernwell/frontdesk/internal/logging"
)

const tracerName = "github.com/fernwell/frontdesk"

// Metrics holds every counter the runtime reports.
type Metrics struct {
	TurnsTotal           *prometheus.CounterVec
	ClassificationsTotal *prometheus.CounterVec
	ApprovalDecisions    *prometheus.CounterVec
	RenderFailures       prometheus.Counter
	SessionSaves         prometheus.Counter
	TurnDuration         prometheus.Histogram
}

// NewMetrics registers the runtime metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frontdesk",
			Name:      "turns_total",
			Help:      "Conversation turns processed, by handler.",
		}, []string{"handler"}),
		ClassificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frontdesk",
			Name:      "classifications_total",
			Help:      "Dispatcher routing outcomes, by result.",
		}, []string{"result"}),
		ApprovalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frontdesk",
			Name:      "approval_decisions_total",
			Help:      "Approval gate decisions, by kind.",
		}, []string{"kind"}),
		RenderFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frontdesk",
			Name:      "render_failures_total",
			Help:      "Document render attempts that failed after approval.",
		}),
		SessionSaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frontdesk",
			Name:      "session_saves_total",
			Help:      "Session records persisted.",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "frontdesk",
			Name:      "turn_duration_seconds",
			Help:      "Wall time spent handling one turn.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Tracer returns the runtime tracer. The global provider is a no-op unless
// the embedding process installs one.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurnSpan opens a span for one conversation turn.
func StartTurnSpan(ctx context.Context, sessionID string, turn int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("turn", turn),
		))
}

// Server exposes the metrics endpoint on a dedicated listener.
type Server struct {
	srv    *http.Server
	logger *logging.Logger
}

// NewServer builds a metrics server on addr serving /metrics from the given
// gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start serves until the listener closes. Run it in a goroutine.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info(ctx, "metrics listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error(ctx, "metrics server stopped", zap.Error(err))
	}
}

// Shutdown drains the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
