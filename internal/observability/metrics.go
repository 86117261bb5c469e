package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Switch metrics
	switchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_gateway_switches_total",
		Help: "Total number of avatar switches by outcome",
	}, []string{"outcome"}) // success, partial, failed, busy, not_found

	switchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_gateway_switch_duration_seconds",
		Help:    "Duration of avatar switches in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// Process metrics
	processStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_gateway_process_starts_total",
		Help: "Total number of synthesis process starts",
	}, []string{"model", "status"})

	processStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_gateway_process_stops_total",
		Help: "Total number of synthesis process stops",
	}, []string{"model", "status"})

	processStartupLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "avatar_gateway_process_startup_seconds",
		Help:    "Time from spawn to a successful health probe",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"model"})

	runningProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_gateway_running_processes",
		Help: "Number of synthesis processes in Running state",
	})

	// Segmentation metrics
	pushUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_gateway_push_units_total",
		Help: "Total number of push-units emitted by segment streams",
	})

	firstUnitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_gateway_first_unit_latency_seconds",
		Help:    "Time from stream start to the first emitted push-unit",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_gateway_tts_requests_total",
		Help: "Total number of synthesis requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_gateway_tts_latency_seconds",
		Help:    "Synthesis latency per push-unit in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avatar_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordSwitch records the outcome and duration of one switch
func RecordSwitch(outcome string, elapsed time.Duration) {
	switchesTotal.WithLabelValues(outcome).Inc()
	switchDuration.Observe(elapsed.Seconds())
}

// RecordProcessStart records a spawn attempt and, on success, its readiness latency
func RecordProcessStart(model string, success bool, elapsed time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	processStarts.WithLabelValues(model, status).Inc()
	if success {
		processStartupLatency.WithLabelValues(model).Observe(elapsed.Seconds())
		runningProcesses.Inc()
	}
}

// RecordProcessStop records the end of a previously running process.
// status is success, timeout or exited.
func RecordProcessStop(model, status string) {
	processStops.WithLabelValues(model, status).Inc()
	runningProcesses.Dec()
}

// RecordPushUnit records one emitted push-unit
func RecordPushUnit() {
	pushUnitsTotal.Inc()
}

// RecordFirstUnitLatency records the first-token latency of a segment stream
func RecordFirstUnitLatency(d time.Duration) {
	firstUnitLatency.Observe(d.Seconds())
}

// RecordTTS records one synthesis request
func RecordTTS(success bool, elapsed time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(status).Inc()
	ttsLatency.Observe(elapsed.Seconds())
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
