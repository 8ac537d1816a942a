package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StakeGateMetrics captures the staking gateway's ledger, access, lifecycle
// and payment verification activity.
type StakeGateMetrics struct {
	ledgerCalls   *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	access        *prometheus.CounterVec
	lifecycle     *prometheus.CounterVec
	verifications *prometheus.CounterVec
	verifyLatency prometheus.Histogram
	replays       *prometheus.CounterVec
}

var (
	stakeGateOnce sync.Once
	stakeGateReg  *StakeGateMetrics
)

// StakeGate returns the lazily-initialised metrics registry for the gateway.
func StakeGate() *StakeGateMetrics {
	stakeGateOnce.Do(func() {
		stakeGateReg = &StakeGateMetrics{
			ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "ledger",
				Name:      "requests_total",
				Help:      "Ledger RPC calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stakegate",
				Subsystem: "ledger",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ledger RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			access: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "access",
				Name:      "decisions_total",
				Help:      "Access gate decisions segmented by check and result.",
			}, []string{"check", "result"}),
			lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "lifecycle",
				Name:      "operations_total",
				Help:      "Stake lifecycle operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "payments",
				Name:      "verifications_total",
				Help:      "Payment verifications segmented by verdict.",
			}, []string{"verdict"}),
			verifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "stakegate",
				Subsystem: "payments",
				Name:      "verification_duration_seconds",
				Help:      "Time spent verifying a payment, including confirmation polling.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
			}),
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "payments",
				Name:      "replays_total",
				Help:      "Requests answered from a stored result instead of the ledger.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			stakeGateReg.ledgerCalls,
			stakeGateReg.ledgerLatency,
			stakeGateReg.access,
			stakeGateReg.lifecycle,
			stakeGateReg.verifications,
			stakeGateReg.verifyLatency,
			stakeGateReg.replays,
		)
	})
	return stakeGateReg
}

// ObserveLedgerCall records a ledger RPC round trip.
func (m *StakeGateMetrics) ObserveLedgerCall(method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	method = normalizeLabel(method)
	m.ledgerCalls.WithLabelValues(method, outcome(err)).Inc()
	m.ledgerLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordAccess counts an access decision. A non-nil err means the decision
// could not be made.
func (m *StakeGateMetrics) RecordAccess(check string, allowed bool, err error) {
	if m == nil {
		return
	}
	result := "denied"
	switch {
	case err != nil:
		result = "unknown"
	case allowed:
		result = "allowed"
	}
	m.access.WithLabelValues(normalizeLabel(check), result).Inc()
}

// RecordLifecycle counts a stake, request-unstake or complete-unstake attempt.
func (m *StakeGateMetrics) RecordLifecycle(operation string, err error) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(normalizeLabel(operation), outcome(err)).Inc()
}

// ObserveVerification records a payment verdict and how long it took.
func (m *StakeGateMetrics) ObserveVerification(verdict string, duration time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(normalizeLabel(verdict)).Inc()
	m.verifyLatency.Observe(duration.Seconds())
}

// RecordReplay counts a response served from persisted state.
func (m *StakeGateMetrics) RecordReplay(kind string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(normalizeLabel(kind)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
