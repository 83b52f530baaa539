package agentgateway

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// 请求监控
// ============================================================================

// 操作名
const (
	OpCreateAgent = "create_agent"
	OpListAgents  = "list_agents"
	OpSendPrompt  = "send_prompt"
)

// 结果标签
const (
	OutcomeSuccess      = "success"
	OutcomeIncomplete   = "incomplete"
	OutcomeNoCompletion = "no_completion"
	OutcomeError        = "error"
)

const latencyWindow = 1000

// Monitor 网关监控器
type Monitor struct {
	registry *prometheus.Registry

	// Prometheus 指标
	requestCounter   *prometheus.CounterVec
	latencyHistogram *prometheus.HistogramVec
	errorCounter     *prometheus.CounterVec
	tokenCounter     *prometheus.CounterVec

	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	inputTokens   atomic.Int64
	outputTokens  atomic.Int64
	startTime     time.Time

	windowMu      sync.Mutex
	windowLatency []time.Duration
}

// Stats 统计快照
type Stats struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// NewMonitor 创建监控器，指标注册在独立的 registry 上
func NewMonitor() *Monitor {
	m := &Monitor{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	m.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_gateway_requests_total",
			Help: "Total number of gateway operations",
		},
		[]string{"operation", "outcome"},
	)

	m.latencyHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_gateway_request_duration_seconds",
			Help:    "Gateway operation latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	m.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_gateway_errors_total",
			Help: "Total number of gateway errors by kind",
		},
		[]string{"operation", "kind"},
	)

	m.tokenCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_gateway_tokens_total",
			Help: "Tokens consumed by agent runs",
		},
		[]string{"direction"},
	)

	m.registry.MustRegister(
		m.requestCounter,
		m.latencyHistogram,
		m.errorCounter,
		m.tokenCounter,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry 返回底层 registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 Prometheus exposition handler
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ============================================================================
// 记录方法
// ============================================================================

// Observe 记录一次操作的结果与耗时
func (m *Monitor) Observe(op, outcome string, latency time.Duration) {
	m.totalRequests.Add(1)
	m.requestCounter.WithLabelValues(op, outcome).Inc()
	m.latencyHistogram.WithLabelValues(op).Observe(latency.Seconds())

	m.windowMu.Lock()
	m.windowLatency = append(m.windowLatency, latency)
	// 保持窗口大小
	if len(m.windowLatency) > latencyWindow {
		m.windowLatency = m.windowLatency[len(m.windowLatency)-latencyWindow/2:]
	}
	m.windowMu.Unlock()
}

// RecordError 记录错误
//
// 输入错误只进 Prometheus 计数，不计入健康检查使用的错误率。
func (m *Monitor) RecordError(op string, err error) {
	kind := KindOf(err)
	if kind != KindInvalidInput {
		m.totalErrors.Add(1)
	}
	m.errorCounter.WithLabelValues(op, kind.String()).Inc()
}

// RecordUsage 记录 token 用量
func (m *Monitor) RecordUsage(u Usage) {
	m.inputTokens.Add(u.InputTokens)
	m.outputTokens.Add(u.OutputTokens)
	m.tokenCounter.WithLabelValues("input").Add(float64(u.InputTokens))
	m.tokenCounter.WithLabelValues("output").Add(float64(u.OutputTokens))
}

// ============================================================================
// 查询方法
// ============================================================================

// Stats 返回统计快照
func (m *Monitor) Stats() Stats {
	s := Stats{
		TotalRequests: m.totalRequests.Load(),
		TotalErrors:   m.totalErrors.Load(),
		InputTokens:   m.inputTokens.Load(),
		OutputTokens:  m.outputTokens.Load(),
		UptimeSeconds: time.Since(m.startTime).Seconds(),
	}

	m.windowMu.Lock()
	window := append([]time.Duration(nil), m.windowLatency...)
	m.windowMu.Unlock()

	if len(window) > 0 {
		var sum time.Duration
		for _, l := range window {
			sum += l
		}
		s.AvgLatencyMs = float64(sum.Milliseconds()) / float64(len(window))

		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
		idx := int(float64(len(window)) * 0.99)
		if idx >= len(window) {
			idx = len(window) - 1
		}
		s.P99LatencyMs = float64(window[idx].Milliseconds())
	}

	return s
}

// ============================================================================
// 健康检查
// ============================================================================

// HealthStatus 健康状态
type HealthStatus struct {
	Status    string           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check 检查项
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health 根据错误率与延迟给出健康状态
func (m *Monitor) Health() HealthStatus {
	stats := m.Stats()
	status := HealthStatus{
		Status:    "healthy",
		Checks:    make(map[string]Check),
		Timestamp: time.Now(),
	}

	errorRate := float64(stats.TotalErrors) / float64(stats.TotalRequests+1)
	switch {
	case errorRate > 0.5:
		status.Status = "unhealthy"
		status.Checks["error_rate"] = Check{Status: "fail", Message: "错误率过高"}
	case errorRate > 0.1:
		status.Status = "degraded"
		status.Checks["error_rate"] = Check{Status: "warn", Message: "错误率偏高"}
	default:
		status.Checks["error_rate"] = Check{Status: "pass"}
	}

	// Run 轮询本身就慢，阈值放宽到 60s
	if stats.P99LatencyMs > 60000 {
		if status.Status == "healthy" {
			status.Status = "degraded"
		}
		status.Checks["latency"] = Check{Status: "warn", Message: "延迟过高"}
	} else {
		status.Checks["latency"] = Check{Status: "pass"}
	}

	return status
}
