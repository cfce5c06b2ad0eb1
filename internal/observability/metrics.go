package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	inboundTotal *prometheus.CounterVec
	laneDepth    *prometheus.GaugeVec

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	reasoningRetries *prometheus.CounterVec

	fanoutTotal        *prometheus.CounterVec
	fanoutDuration     *prometheus.HistogramVec
	specialistTotal    *prometheus.CounterVec
	fanoutLateArrivals prometheus.Counter
	synthesisTotal     *prometheus.CounterVec

	activeSessions      prometheus.Gauge
	sessionAppendTotal  *prometheus.CounterVec
	sessionAppendFailed prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	approvalDecisions     *prometheus.CounterVec

	deliveryTotal    *prometheus.CounterVec
	deliveryFallback *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec

	quotaRejections *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec

	knowledgeSearchDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			inboundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "inbound_messages_total",
					Help: "Total inbound messages by channel and outcome.",
				},
				[]string{"channel", "outcome"},
			),
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lane_depth",
					Help: "Queued tasks per serialization lane.",
				},
				[]string{"lane"},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_total",
					Help: "Total agent dispatches by outcome.",
				},
				[]string{"outcome"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "dispatch_duration_seconds",
					Help:    "Agent dispatch duration in seconds by outcome.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
			reasoningRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reasoning_retries_total",
					Help: "Reasoning call retries by provider.",
				},
				[]string{"provider"},
			),
			fanoutTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fanout_total",
					Help: "Fan-out executions by join strategy and terminal status.",
				},
				[]string{"strategy", "status"},
			),
			fanoutDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "fanout_duration_seconds",
					Help:    "Fan-out execution duration in seconds by strategy.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"strategy"},
			),
			specialistTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "fanout_specialist_total",
					Help: "Specialist entries by terminal status.",
				},
				[]string{"status"},
			),
			fanoutLateArrivals: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "fanout_late_arrivals_total",
					Help: "Specialist completions reported after the execution was terminal.",
				},
			),
			synthesisTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "synthesis_total",
					Help: "Synthesis invocations by result.",
				},
				[]string{"result"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionAppendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_append_total",
					Help: "Messages appended by role.",
				},
				[]string{"role"},
			),
			sessionAppendFailed: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_append_failed_total",
					Help: "Message append failures (inbound rejected as retryable).",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			approvalDecisions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_approval_decisions_total",
					Help: "Approval gate decisions by outcome.",
				},
				[]string{"outcome"},
			),
			deliveryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "delivery_total",
					Help: "Outbound deliveries by channel and status.",
				},
				[]string{"channel", "status"},
			),
			deliveryFallback: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "delivery_plaintext_fallback_total",
					Help: "Deliveries retried with the plain-text fallback by channel.",
				},
				[]string{"channel"},
			),
			deliveryDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "delivery_duration_seconds",
					Help:    "Outbound delivery duration in seconds by channel.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"channel"},
			),
			quotaRejections: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quota_rejections_total",
					Help: "Dispatches refused by the quota gate per tenant.",
				},
				[]string{"tenant"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tokens_total",
					Help: "Token usage by tenant and direction.",
				},
				[]string{"tenant", "direction"},
			),
			knowledgeSearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "knowledge_search_duration_seconds",
					Help:    "Knowledge search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.inboundTotal,
			m.laneDepth,
			m.dispatchTotal,
			m.dispatchDuration,
			m.reasoningRetries,
			m.fanoutTotal,
			m.fanoutDuration,
			m.specialistTotal,
			m.fanoutLateArrivals,
			m.synthesisTotal,
			m.activeSessions,
			m.sessionAppendTotal,
			m.sessionAppendFailed,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.approvalDecisions,
			m.deliveryTotal,
			m.deliveryFallback,
			m.deliveryDuration,
			m.quotaRejections,
			m.tokensTotal,
			m.knowledgeSearchDuration,
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

func RecordInbound(channel, outcome string) {
	getMetrics().inboundTotal.WithLabelValues(channel, outcome).Inc()
}

func SetLaneDepth(lane string, depth int) {
	getMetrics().laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordDispatch(outcome string, duration time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	m.dispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordReasoningRetry(provider string) {
	getMetrics().reasoningRetries.WithLabelValues(provider).Inc()
}

func RecordFanOut(strategy, status string, duration time.Duration) {
	m := getMetrics()
	m.fanoutTotal.WithLabelValues(strategy, status).Inc()
	m.fanoutDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

func RecordSpecialist(status string) {
	getMetrics().specialistTotal.WithLabelValues(status).Inc()
}

func RecordLateArrival() {
	getMetrics().fanoutLateArrivals.Inc()
}

func RecordSynthesis(result string) {
	getMetrics().synthesisTotal.WithLabelValues(result).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionAppend(role string) {
	getMetrics().sessionAppendTotal.WithLabelValues(role).Inc()
}

func RecordSessionAppendFailure() {
	getMetrics().sessionAppendFailed.Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordApprovalDecision(outcome string) {
	getMetrics().approvalDecisions.WithLabelValues(outcome).Inc()
}

func RecordDelivery(channel string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.deliveryTotal.WithLabelValues(channel, status).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func RecordDeliveryFallback(channel string) {
	getMetrics().deliveryFallback.WithLabelValues(channel).Inc()
}

func RecordQuotaRejection(tenant string) {
	getMetrics().quotaRejections.WithLabelValues(tenant).Inc()
}

func RecordTokens(tenant string, input, output int) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues(tenant, "input").Add(float64(input))
	m.tokensTotal.WithLabelValues(tenant, "output").Add(float64(output))
}

func RecordKnowledgeSearch(duration time.Duration) {
	getMetrics().knowledgeSearchDuration.Observe(duration.Seconds())
}
