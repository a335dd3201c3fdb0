// Package metrics exposes Prometheus instrumentation for the chat relay.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
)

const namespace = "kb_chat"

// Turn outcomes.
const (
	OutcomeComplete = "complete"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	// ActiveStreams counts responses currently streaming to a client.
	// Labels: route
	ActiveStreams *prometheus.GaugeVec
	// Turns counts finished chat turns.
	// Labels: route, outcome
	Turns *prometheus.CounterVec
	// FirstDelta measures the time from request to the first upstream
	// content, which is dominated by retrieval.
	FirstDelta *prometheus.HistogramVec
	// RelayErrors counts upstream failures by kind.
	// Labels: kind (transport, timeout, status, stream)
	RelayErrors *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Responses currently streaming to clients",
		}, []string{"route"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished chat turns by outcome",
		}, []string{"route", "outcome"}),
		FirstDelta: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_seconds",
			Help:      "Time until the first upstream content arrived",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"route"}),
		RelayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Upstream failures by kind",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Turn tracks one streamed response. Finish must be called exactly once.
type Turn struct {
	m       *Metrics
	route   string
	start   time.Time
	started bool
}

// StartTurn marks a stream as active on route. A nil *Metrics is allowed and
// records nothing.
func (m *Metrics) StartTurn(route string) *Turn {
	if m == nil {
		return &Turn{}
	}
	m.ActiveStreams.WithLabelValues(route).Inc()
	return &Turn{m: m, route: route, start: time.Now()}
}

// FirstContent records time-to-first-delta. Later calls are ignored.
func (t *Turn) FirstContent() {
	if t.m == nil || t.started {
		return
	}
	t.started = true
	t.m.FirstDelta.WithLabelValues(t.route).Observe(time.Since(t.start).Seconds())
}

// Finish records the outcome for err and releases the active-stream slot.
func (t *Turn) Finish(err error) {
	if t.m == nil {
		return
	}
	t.m.ActiveStreams.WithLabelValues(t.route).Dec()
	outcome := Outcome(err)
	t.m.Turns.WithLabelValues(t.route, outcome).Inc()
	if outcome == OutcomeError {
		t.m.RelayErrors.WithLabelValues(ErrorKind(err)).Inc()
	}
}

// Outcome classifies a turn result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeComplete
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	}
	return OutcomeError
}

// ErrorKind is the relay_errors_total label for err.
func ErrorKind(err error) string {
	var transportErr *apierrors.TransportError
	switch {
	case errors.As(err, &transportErr) && transportErr.Timeout:
		return "timeout"
	case errors.Is(err, apierrors.ErrTransport):
		return "transport"
	case errors.Is(err, apierrors.ErrUpstreamStatus):
		return "status"
	case errors.Is(err, apierrors.ErrUpstreamStream):
		return "stream"
	}
	return "other"
}
