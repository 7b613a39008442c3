package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lexiqai/voice-bridge/internal/resilience"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_calls",
		Help: "Number of calls currently bridged",
	})

	totalCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_calls_total",
		Help: "Total number of calls bridged",
	}, []string{"direction"})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_call_duration_seconds",
		Help:    "Duration of bridged calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	})

	finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_finalizations_total",
		Help: "Call finalizations by trigger",
	}, []string{"reason"})

	callLogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_call_log_failures_total",
		Help: "Call-log writes that failed during finalization",
	})

	// Turn-taking metrics
	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_barge_ins_total",
		Help: "Caller interruptions of AI speech",
	})

	truncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_truncations_total",
		Help: "Truncate instructions sent to the engine",
	})

	truncatedAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_truncated_audio_seconds",
		Help:    "AI audio actually heard before an interruption",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
	})

	// Tool metrics
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_tool_calls_total",
		Help: "Tool calls dispatched for the engine",
	}, []string{"tool", "status"})

	toolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_bridge_tool_call_latency_seconds",
		Help:    "Tool call latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"tool"})

	// Fallback transcription metrics
	fallbackTranscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_fallback_transcriptions_total",
		Help: "Fallback transcription requests",
	}, []string{"status"})

	fallbackLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_fallback_transcription_latency_seconds",
		Help:    "Fallback transcription latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_audio_bytes_total",
		Help: "Total audio bytes bridged",
	}, []string{"direction"}) // "in" (caller to engine) or "out" (engine to caller)
)

// Metrics tracks metrics for a single call
type Metrics struct {
	callID    string
	startTime time.Time

	mu    sync.Mutex
	ended bool
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart(direction string) {
	if direction == "" {
		direction = "unknown"
	}
	activeCalls.Inc()
	totalCalls.WithLabelValues(direction).Inc()
}

// RecordCallEnd records the end of a call once, labelled with what ended it
func (m *Metrics) RecordCallEnd(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true

	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
	finalizations.WithLabelValues(reason).Inc()
}

// RecordCallLogFailure counts a failed call-log write
func (m *Metrics) RecordCallLogFailure() {
	callLogFailures.Inc()
}

// RecordBargeIn records a caller interruption and, when known, how much AI
// audio had been played
func (m *Metrics) RecordBargeIn(heard time.Duration, truncated bool) {
	bargeIns.Inc()
	if truncated {
		truncations.Inc()
		truncatedAudio.Observe(heard.Seconds())
	}
}

// RecordToolCall records one dispatched tool call
func (m *Metrics) RecordToolCall(tool string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	toolCalls.WithLabelValues(tool, status).Inc()
	toolLatency.WithLabelValues(tool).Observe(latency.Seconds())
}

// RecordFallbackTranscription records one fallback transcription request
func (m *Metrics) RecordFallbackTranscription(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	fallbackTranscriptions.WithLabelValues(status).Inc()
	fallbackLatency.Observe(latency.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// ObserveCircuitBreaker exports breaker state changes; it satisfies
// resilience.StateObserver
func ObserveCircuitBreaker(service string, state resilience.CircuitState, failed bool) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
	if failed {
		circuitBreakerFailures.WithLabelValues(service).Inc()
	}
}
