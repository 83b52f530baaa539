package agentgateway

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_ObserveAndStats(t *testing.T) {
	m := NewMonitor()

	m.Observe(OpSendPrompt, OutcomeSuccess, 100*time.Millisecond)
	m.Observe(OpSendPrompt, OutcomeSuccess, 300*time.Millisecond)
	m.Observe(OpListAgents, OutcomeError, 50*time.Millisecond)
	m.RecordError(OpListAgents, &Error{Kind: KindUpstream, Err: errors.New("x")})
	m.RecordUsage(Usage{InputTokens: 5, OutputTokens: 7})

	stats := m.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.Equal(t, int64(5), stats.InputTokens)
	assert.Equal(t, int64(7), stats.OutputTokens)
	assert.InDelta(t, 150.0, stats.AvgLatencyMs, 0.01)
	assert.Equal(t, 300.0, stats.P99LatencyMs)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestCounter.WithLabelValues(OpSendPrompt, OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorCounter.WithLabelValues(OpListAgents, "upstream")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.tokenCounter.WithLabelValues("output")))
}

func TestMonitor_IndependentRegistries(t *testing.T) {
	// two monitors must not collide on registration
	a := NewMonitor()
	b := NewMonitor()
	a.Observe(OpCreateAgent, OutcomeSuccess, time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.requestCounter.WithLabelValues(OpCreateAgent, OutcomeSuccess)))
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.Observe(OpCreateAgent, OutcomeSuccess, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `foundry_gateway_requests_total{operation="create_agent",outcome="success"} 1`))
}

func TestMonitor_Health(t *testing.T) {
	m := NewMonitor()
	assert.Equal(t, "healthy", m.Health().Status)

	for i := 0; i < 4; i++ {
		m.Observe(OpSendPrompt, OutcomeError, time.Millisecond)
		m.RecordError(OpSendPrompt, errors.New("down"))
	}
	h := m.Health()
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "fail", h.Checks["error_rate"].Status)
}

func TestMonitor_InvalidInputDoesNotDegradeHealth(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 10; i++ {
		m.Observe(OpSendPrompt, OutcomeError, time.Millisecond)
		m.RecordError(OpSendPrompt, invalid("send_prompt", "prompt is required"))
	}

	assert.Equal(t, int64(0), m.Stats().TotalErrors)
	assert.Equal(t, "healthy", m.Health().Status)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.errorCounter.WithLabelValues(OpSendPrompt, "invalid_input")))
}

func TestMonitor_LatencyWindowBounded(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < latencyWindow+10; i++ {
		m.Observe(OpListAgents, OutcomeSuccess, time.Millisecond)
	}
	m.windowMu.Lock()
	n := len(m.windowLatency)
	m.windowMu.Unlock()
	assert.LessOrEqual(t, n, latencyWindow)
}
