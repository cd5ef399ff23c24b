package specmem

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures the Manager.
type Option func(*managerConfig)

// managerConfig holds construction-time settings for the Manager.
type managerConfig struct {
	logger      *slog.Logger
	tracer      trace.Tracer
	meter       metric.Meter
	clock       func() time.Time
	lockStripes int
}

// WithLogger sets a custom structured logger. If not provided,
// slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *managerConfig) {
		c.logger = logger
	}
}

// WithTracer sets an OpenTelemetry tracer. Remember, Query and Sweep
// each produce a span when a tracer is configured.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *managerConfig) {
		c.tracer = tracer
	}
}

// WithMeter sets an OpenTelemetry meter. The manager records counters
// for remembers, merges, queries and reconciliation retries.
func WithMeter(meter metric.Meter) Option {
	return func(c *managerConfig) {
		c.meter = meter
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *managerConfig) {
		c.clock = now
	}
}

// WithLockStripes overrides the number of write-section stripes used
// to serialize same-neighborhood inserts. Defaults to 64.
func WithLockStripes(n int) Option {
	return func(c *managerConfig) {
		c.lockStripes = n
	}
}
