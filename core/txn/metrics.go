package txn

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics is the coordinator's optional OpenTelemetry instrumentation,
// wired the same way pkg/telemetry.Telemetry hands out a Meter to callers:
// a Transaction that isn't given one via WithMetrics simply records
// nothing.
type Metrics struct {
	scheduleAttempts metric.Int64Counter
	scheduleRetries  metric.Int64Counter
	lockContentions  metric.Int64Counter
	hopLatencyMs     metric.Float64Histogram
}

// NewMetrics registers the coordinator's instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	scheduleAttempts, err := meter.Int64Counter(
		"txn.schedule.attempts",
		metric.WithDescription("ScheduleInternal attempts across all transactions"),
	)
	if err != nil {
		return nil, err
	}
	scheduleRetries, err := meter.Int64Counter(
		"txn.schedule.retries",
		metric.WithDescription("ScheduleInternal retries caused by tail-score contention"),
	)
	if err != nil {
		return nil, err
	}
	lockContentions, err := meter.Int64Counter(
		"txn.lock.contentions",
		metric.WithDescription("ScheduleInShard calls that did not obtain an uncontended lock"),
	)
	if err != nil {
		return nil, err
	}
	hopLatencyMs, err := meter.Float64Histogram(
		"txn.hop.latency_ms",
		metric.WithDescription("Wall-clock time an Execute hop spent waiting on armed shards"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		scheduleAttempts: scheduleAttempts,
		scheduleRetries:  scheduleRetries,
		lockContentions:  lockContentions,
		hopLatencyMs:     hopLatencyMs,
	}, nil
}

func (m *Metrics) recordSchedule(retried bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.scheduleAttempts.Add(ctx, 1)
	if retried {
		m.scheduleRetries.Add(ctx, 1)
	}
}

func (m *Metrics) recordLockContention(granted bool) {
	if m == nil || granted {
		return
	}
	m.lockContentions.Add(context.Background(), 1)
}

func (m *Metrics) recordHopLatency(ms float64) {
	if m == nil {
		return
	}
	m.hopLatencyMs.Record(context.Background(), ms)
}
