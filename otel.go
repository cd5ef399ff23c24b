package specmem

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// managerMetrics holds the OpenTelemetry instruments for the manager.
// Created once at construction when a meter is configured.
type managerMetrics struct {
	// remembers counts Remember/RememberUtterance calls, attributed by outcome.
	remembers metric.Int64Counter

	// queries counts retrieval calls, attributed by outcome and degradation.
	queries metric.Int64Counter

	// sweepMerges counts records folded by the background sweep.
	sweepMerges metric.Int64Counter

	// reconciles counts background retries of pending records.
	reconciles metric.Int64Counter
}

func initMetrics(meter metric.Meter) (*managerMetrics, error) {
	m := &managerMetrics{}
	var err error

	m.remembers, err = meter.Int64Counter(
		"memory.remember.count",
		metric.WithDescription("Number of remember operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create remember counter: %w", err)
	}

	m.queries, err = meter.Int64Counter(
		"memory.query.count",
		metric.WithDescription("Number of retrieval queries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create query counter: %w", err)
	}

	m.sweepMerges, err = meter.Int64Counter(
		"memory.sweep.merged",
		metric.WithDescription("Records merged by the background sweep"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sweep counter: %w", err)
	}

	m.reconciles, err = meter.Int64Counter(
		"memory.reconcile.count",
		metric.WithDescription("Background retries of pending records"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reconcile counter: %w", err)
	}

	return m, nil
}
