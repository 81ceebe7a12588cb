package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время диспетчеризации, включая хранилище и аудит
	DispatchDuration *prometheus.HistogramVec

	// Traffic: исходы по эндпоинтам (success, idempotent_replay, validation, ...)
	DispatchTotal *prometheus.CounterVec

	// Errors: аудит не принял событие, действие отклонено (fail closed)
	AuditFailures prometheus.Counter

	// Saturation: состояние Circuit Breaker хранилища (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера архива (backpressure)
	ArchiveBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DispatchDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgw_dispatch_duration_seconds",
			Help:    "Histogram of dispatch latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"endpoint"}),

		DispatchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "toolgw_dispatch_total",
			Help: "Total number of dispatches by outcome.",
		}, []string{"endpoint", "status"}),

		AuditFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "toolgw_audit_failures_total",
			Help: "Dispatches rejected because the audit storage did not accept the event.",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolgw_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		ArchiveBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "toolgw_audit_archive_buffer",
			Help: "Current number of events in the audit archive buffer.",
		}),
	}
}
