package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	toolDispatchTotal    *prometheus.CounterVec
	toolDispatchDuration *prometheus.HistogramVec
	toolDuplicateTotal   *prometheus.CounterVec

	turnTotal          *prometheus.CounterVec
	turnDuration       *prometheus.HistogramVec
	streamChunksTotal  *prometheus.CounterVec
	continuationTotal  *prometheus.CounterVec
	incompleteCalls    prometheus.Counter
	sinkFailuresTotal  prometheus.Counter
	mcpConnectedServer prometheus.Gauge

	rpcRequestsTotal *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	gatewayClients   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current persisted chat session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session history load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session message save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolDispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_dispatch_total",
					Help: "Total tool dispatches by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolDispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_dispatch_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolDuplicateTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_duplicate_total",
					Help: "Tool calls detected again within a turn and not re-invoked.",
				},
				[]string{"tool"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total chat turns by provider and status.",
				},
				[]string{"provider", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Chat turn duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			streamChunksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_chunks_total",
					Help: "Content chunks consumed by stream segment (primary, continuation).",
				},
				[]string{"segment"},
			),
			continuationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "continuation_total",
					Help: "Continuation rounds by status.",
				},
				[]string{"status"},
			),
			incompleteCalls: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "incomplete_tool_call_total",
					Help: "Primary streams that ended inside an unterminated tool_call tag.",
				},
			),
			sinkFailuresTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sink_push_failures_total",
					Help: "Event sink pushes that failed and were ignored.",
				},
			),
			mcpConnectedServer: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "mcp_connected_servers",
					Help: "Currently connected MCP servers.",
				},
			),
			rpcRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_rpc_requests_total",
					Help: "Gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			rpcDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gateway_rpc_duration_seconds",
					Help:    "Gateway RPC handling time by method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_connected_clients",
					Help: "Currently connected WebSocket clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.toolDispatchTotal,
			m.toolDispatchDuration,
			m.toolDuplicateTotal,
			m.turnTotal,
			m.turnDuration,
			m.streamChunksTotal,
			m.continuationTotal,
			m.incompleteCalls,
			m.sinkFailuresTotal,
			m.mcpConnectedServer,
			m.rpcRequestsTotal,
			m.rpcDuration,
			m.gatewayClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordToolDispatch(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolDispatchTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolDispatchDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolDuplicate(tool string) {
	getMetrics().toolDuplicateTotal.WithLabelValues(tool).Inc()
}

func RecordTurn(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.turnDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordStreamChunk(segment string) {
	getMetrics().streamChunksTotal.WithLabelValues(segment).Inc()
}

func RecordContinuation(success bool) {
	getMetrics().continuationTotal.WithLabelValues(statusLabel(success)).Inc()
}

func RecordIncompleteCall() {
	getMetrics().incompleteCalls.Inc()
}

func RecordSinkFailure() {
	getMetrics().sinkFailuresTotal.Inc()
}

func SetMCPConnectedServers(count int) {
	getMetrics().mcpConnectedServer.Set(float64(count))
}

func RecordRPCRequest(method string, duration time.Duration, success bool) {
	m := getMetrics()
	m.rpcRequestsTotal.WithLabelValues(method, statusLabel(success)).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}
