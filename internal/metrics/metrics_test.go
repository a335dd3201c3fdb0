package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/zhengjr9/kb-chat-bff/internal/errors"
)

func TestTurnLifecycle(t *testing.T) {
	m := New()

	turn := m.StartTurn("stream")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("stream")))

	turn.FirstContent()
	turn.FirstContent()
	turn.Finish(nil)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Turns.WithLabelValues("stream", OutcomeComplete)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.FirstDelta))
}

func TestTurnFailureCountsRelayError(t *testing.T) {
	m := New()
	m.StartTurn("turns").Finish(&apierrors.TransportError{Op: "POST", URL: "http://x", Timeout: true, Err: context.DeadlineExceeded})
	m.StartTurn("turns").Finish(&apierrors.UpstreamStatusError{StatusCode: 500})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Turns.WithLabelValues("turns", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayErrors.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayErrors.WithLabelValues("status")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	turn := m.StartTurn("x")
	turn.FirstContent()
	turn.Finish(errors.New("boom"))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeComplete, Outcome(nil))
	assert.Equal(t, OutcomeCanceled, Outcome(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.Equal(t, OutcomeError, Outcome(apierrors.ErrUpstreamStream))
	assert.Equal(t, "stream", ErrorKind(apierrors.ErrUpstreamStream))
	assert.Equal(t, "other", ErrorKind(errors.New("x")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.StartTurn("stream").Finish(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kb_chat_turns_total{outcome="complete",route="stream"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
