// Package metrics exposes Prometheus instrumentation for wrapped resources.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns the collectors for retry and recovery activity. All methods
// are nil-safe so instrumentation stays optional.
type Recorder struct {
	retryAttempts *prometheus.CounterVec
	recoveries    *prometheus.CounterVec
	circuitClosed *prometheus.GaugeVec
	interruptions *prometheus.CounterVec
}

// NewRecorder registers the collectors on reg. A nil reg uses the default
// registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lyra_retry_attempts_total",
			Help: "Retry attempts issued by the invocation engine.",
		}, []string{"resource", "operation"}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lyra_recoveries_total",
			Help: "Recovery passes by outcome.",
		}, []string{"resource", "outcome"}),
		circuitClosed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lyra_circuit_closed",
			Help: "Whether the resource's recovery circuit is currently closed (1) or open (0).",
		}, []string{"resource"}),
		interruptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lyra_wait_interruptions_total",
			Help: "Waits interrupted by resource closure.",
		}, []string{"resource"}),
	}
}

// RetryAttempt counts one retry attempt of operation on resource.
func (r *Recorder) RetryAttempt(resource, operation string) {
	if r == nil {
		return
	}
	r.retryAttempts.WithLabelValues(resource, operation).Inc()
}

// RecoveryStarted counts the start of a recovery pass.
func (r *Recorder) RecoveryStarted(resource string) {
	if r == nil {
		return
	}
	r.recoveries.WithLabelValues(resource, "started").Inc()
}

// RecoverySucceeded counts a completed recovery pass.
func (r *Recorder) RecoverySucceeded(resource string) {
	if r == nil {
		return
	}
	r.recoveries.WithLabelValues(resource, "succeeded").Inc()
}

// RecoveryFailed counts an abandoned recovery pass.
func (r *Recorder) RecoveryFailed(resource string) {
	if r == nil {
		return
	}
	r.recoveries.WithLabelValues(resource, "failed").Inc()
}

// CircuitState records the resource's circuit state.
func (r *Recorder) CircuitState(resource string, closed bool) {
	if r == nil {
		return
	}
	v := 0.0
	if closed {
		v = 1.0
	}
	r.circuitClosed.WithLabelValues(resource).Set(v)
}

// WaitInterrupted counts waiters woken by resource closure.
func (r *Recorder) WaitInterrupted(resource string) {
	if r == nil {
		return
	}
	r.interruptions.WithLabelValues(resource).Inc()
}
