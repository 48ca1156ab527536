package deliver

import "sync/atomic"

// metrics are the coordinator's internal counters.
type metrics struct {
	incrementalAttempts  atomic.Int64
	incrementalSuccesses atomic.Int64
	fallbacks            atomic.Int64
	unaryAttempts        atomic.Int64
	unarySuccesses       atomic.Int64
	fragments            atomic.Int64
	failures             atomic.Int64
	deliveries           atomic.Int64
	totalDeliveryMs      atomic.Int64
}

// Metrics is a point-in-time snapshot of delivery counters.
type Metrics struct {
	IncrementalAttempts  int64   `json:"incremental_attempts"`
	IncrementalSuccesses int64   `json:"incremental_successes"`
	Fallbacks            int64   `json:"fallbacks"`
	UnaryAttempts        int64   `json:"unary_attempts"`
	UnarySuccesses       int64   `json:"unary_successes"`
	FragmentsRelayed     int64   `json:"fragments_relayed"`
	Failures             int64   `json:"failures"`
	AvgDeliveryMs        float64 `json:"avg_delivery_ms"`
}

// recordDelivery folds one successful delivery's wall time into the
// running average inputs.
func (m *metrics) recordDelivery(elapsedMs int64) {
	m.deliveries.Add(1)
	m.totalDeliveryMs.Add(elapsedMs)
}

// Metrics snapshots the counters accumulated since construction.
func (c *Coordinator) Metrics() Metrics {
	snap := Metrics{
		IncrementalAttempts:  c.metrics.incrementalAttempts.Load(),
		IncrementalSuccesses: c.metrics.incrementalSuccesses.Load(),
		Fallbacks:            c.metrics.fallbacks.Load(),
		UnaryAttempts:        c.metrics.unaryAttempts.Load(),
		UnarySuccesses:       c.metrics.unarySuccesses.Load(),
		FragmentsRelayed:     c.metrics.fragments.Load(),
		Failures:             c.metrics.failures.Load(),
	}
	if n := c.metrics.deliveries.Load(); n > 0 {
		snap.AvgDeliveryMs = float64(c.metrics.totalDeliveryMs.Load()) / float64(n)
	}
	return snap
}
