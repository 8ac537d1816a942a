package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	transfers *prometheus.CounterVec
	volume    *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking token movements the gateway
// initiated or verified.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of token movements segmented by kind and asset.",
			}, []string{"kind", "asset"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakegate",
				Subsystem: "events",
				Name:      "transfer_volume_tokens",
				Help:      "Token volume in human units segmented by kind and asset.",
			}, []string{"kind", "asset"}),
		}
		prometheus.MustRegister(eventRegistry.transfers, eventRegistry.volume)
	})
	return eventRegistry
}

// RecordTransfer counts a token movement of amount human units. kind is a
// stable string such as "stake", "unstake", "penalty" or "payment".
func (m *eventMetrics) RecordTransfer(kind, asset string, amount float64) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	kind = normalizeLabel(kind)
	m.transfers.WithLabelValues(kind, normalized).Inc()
	if amount > 0 {
		m.volume.WithLabelValues(kind, normalized).Add(amount)
	}
}
