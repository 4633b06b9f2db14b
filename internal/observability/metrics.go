package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_transducer_active_sessions",
		Help: "Number of open streaming recognition sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transducer_sessions_total",
		Help: "Total number of streaming sessions served",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_transducer_session_duration_seconds",
		Help:    "Duration of streaming sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Encoder metrics
	recognizeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_transducer_recognize_requests_total",
		Help: "Total number of streaming encoder calls",
	}, []string{"status"})

	recognizeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asr_transducer_recognize_latency_seconds",
		Help:    "Streaming encoder latency per chunk in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	framesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transducer_frames_encoded_total",
		Help: "Total number of encoded output frames",
	})

	stateResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_transducer_state_resets_total",
		Help: "Total recurrent state resets",
	}, []string{"reason"}) // reason: "client" or "endpoint"

	// Training metrics
	trainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_transducer_train_loss",
		Help: "Mean per-example transducer loss of the last training step",
	})

	evalLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_transducer_eval_loss",
		Help: "Mean per-example transducer loss of the last evaluation step",
	})

	auxLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_transducer_aux_loss",
		Help: "Auxiliary consistency loss of the last training step",
	})

	annealWeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_transducer_anneal_weight",
		Help: "Current annealing weight of the clean branch and auxiliary loss",
	})

	trainEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asr_transducer_train_epoch",
		Help: "Current training epoch",
	})

	optimizerSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transducer_optimizer_steps_total",
		Help: "Total number of applied optimizer updates",
	})

	microbatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_transducer_microbatches_total",
		Help: "Total number of processed training microbatches",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asr_transducer_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_transducer_circuit_breaker_failures_total",
		Help: "Total failures recorded by circuit breakers",
	}, []string{"service"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_transducer_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asr_transducer_audio_bytes_total",
		Help: "Total audio bytes received",
	}, []string{"encoding"})
)

// Metrics tracks metrics for a single streaming session
type Metrics struct {
	sessionID      string
	startTime      time.Time
	recognizeStart time.Time
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordRecognizeStart records the start of an encoder call
func (m *Metrics) RecordRecognizeStart() {
	m.mu.Lock()
	m.recognizeStart = time.Now()
	m.mu.Unlock()
}

// RecordRecognizeEnd records the end of an encoder call and the number of
// frames it produced
func (m *Metrics) RecordRecognizeEnd(frames int, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.recognizeStart.IsZero() {
		recognizeLatency.Observe(time.Since(m.recognizeStart).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	recognizeRequests.WithLabelValues(status).Inc()
	framesEncoded.Add(float64(frames))
}

// RecordStateReset records a recurrent state reset
func (m *Metrics) RecordStateReset(reason string) {
	stateResets.WithLabelValues(reason).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes received
func (m *Metrics) RecordAudioBytes(encoding string, bytes int64) {
	audioBytesProcessed.WithLabelValues(encoding).Add(float64(bytes))
}

// RecordError records an error outside a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordTrainStep publishes the losses of a training microbatch
func RecordTrainStep(epoch int, loss, aux, weight float64) {
	microbatches.Inc()
	trainEpoch.Set(float64(epoch))
	trainLoss.Set(loss)
	auxLoss.Set(aux)
	annealWeight.Set(weight)
}

// RecordOptimizerStep counts an applied update
func RecordOptimizerStep() {
	optimizerSteps.Inc()
}

// RecordEvalStep publishes the loss of an evaluation batch
func RecordEvalStep(loss float64) {
	evalLoss.Set(loss)
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
