package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Turns: ходы ассистента по итоговому состоянию плана
	TurnsTotal *prometheus.CounterVec

	// Latency: длительность хода целиком (контекст, план, исполнение)
	TurnDuration *prometheus.HistogramVec

	// Latency: длительность шага плана по инструменту
	StepDuration *prometheus.HistogramVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Policy cache: hit, miss, failsafe
	PolicyLookups *prometheus.CounterVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	// Audit: потерянные записи (переполнение или ошибка записи)
	AuditDropped prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TurnsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "studio_agent_turns_total",
			Help: "Total number of assistant turns by final plan state.",
		}, []string{"state"}),

		TurnDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_agent_turn_duration_seconds",
			Help:    "Histogram of assistant turn latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"state"}),

		StepDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "studio_agent_step_duration_seconds",
			Help:    "Histogram of plan step latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tool", "status"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "studio_agent_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: plan_generation, credentials, tool, denied, rate_limit, timeout

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "studio_agent_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),

		PolicyLookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "studio_agent_policy_lookups_total",
			Help: "Policy store lookups by result.",
		}, []string{"result"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "studio_agent_audit_buffer_utilization",
			Help: "Current number of entries in audit buffer.",
		}),

		AuditDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "studio_agent_audit_dropped_total",
			Help: "Audit entries lost because of overflow or write failure.",
		}),
	}
}
