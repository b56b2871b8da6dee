package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlquery_turns_total",
			Help: "Total number of conversation turns by terminal outcome.",
		},
		[]string{"outcome"},
	)
	translationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlquery_translation_attempts_total",
			Help: "Total number of translation attempts by validation result.",
		},
		[]string{"result"},
	)
	validationViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlquery_validation_violations_total",
			Help: "Total number of validation violations by rule.",
		},
		[]string{"rule"},
	)
	llmLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlquery_llm_latency_ms",
			Help:    "Language model call latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000, 30000},
		},
		[]string{"provider", "result"},
	)
	executionLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlquery_execution_latency_ms",
			Help:    "Warehouse execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"result"},
	)
	schemaRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlquery_schema_refresh_total",
			Help: "Total number of schema snapshot refreshes by result.",
		},
		[]string{"result"},
	)
	schemaTables = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nlquery_schema_tables",
			Help: "Number of tables in the current schema snapshot.",
		},
	)
	sessionLoadFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlquery_session_load_failures_total",
			Help: "Total number of session documents that could not be read or decoded.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		translationAttemptsTotal,
		validationViolationsTotal,
		llmLatencyMs,
		executionLatencyMs,
		schemaRefreshTotal,
		schemaTables,
		sessionLoadFailuresTotal,
	)
}

func ObserveTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

func ObserveTranslationAttempt(accepted bool, rules []string) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	translationAttemptsTotal.WithLabelValues(result).Inc()
	for _, rule := range rules {
		validationViolationsTotal.WithLabelValues(rule).Inc()
	}
}

func ObserveLLMCall(provider string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	llmLatencyMs.WithLabelValues(provider, result).Observe(float64(elapsed.Milliseconds()))
}

func ObserveExecution(err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	executionLatencyMs.WithLabelValues(result).Observe(float64(elapsed.Milliseconds()))
}

func ObserveSchemaRefresh(err error, tables int) {
	if err != nil {
		schemaRefreshTotal.WithLabelValues("error").Inc()
		return
	}
	schemaRefreshTotal.WithLabelValues("ok").Inc()
	if tables < 0 {
		tables = 0
	}
	schemaTables.Set(float64(tables))
}

func IncrementSessionLoadFailure() {
	sessionLoadFailuresTotal.Inc()
}
