package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics wraps the OpenTelemetry instruments the supervisor emits
// against: state transitions, transform latency, retry counts, and
// circuit-breaker rejections. It owns its own MeterProvider, created with
// no reader attached, since this module's job is to emit the instruments
// correctly, not to own an exporter pipeline; Provider() exposes it to the
// embedding process.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	transitions      metric.Int64Counter
	transformLatency metric.Float64Histogram
	retries          metric.Int64Counter
	circuitRejects   metric.Int64Counter

	mu sync.Mutex
}

// NewMetrics builds a Metrics instance scoped to serviceName.
func NewMetrics(serviceName string) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider()
	meter := provider.Meter(serviceName)

	transitions, err := meter.Int64Counter(
		"viewsched.state_transitions",
		metric.WithDescription("Count of view state machine transitions"),
	)
	if err != nil {
		return nil, err
	}

	transformLatency, err := meter.Float64Histogram(
		"viewsched.transform_latency_seconds",
		metric.WithDescription("Latency of Transform executor submissions"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"viewsched.retries",
		metric.WithDescription("Count of Retrying transitions"),
	)
	if err != nil {
		return nil, err
	}

	circuitRejects, err := meter.Int64Counter(
		"viewsched.circuit_rejections",
		metric.WithDescription("Count of Transform dispatches rejected by an open circuit breaker"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:         provider,
		meter:            meter,
		transitions:      transitions,
		transformLatency: transformLatency,
		retries:          retries,
		circuitRejects:   circuitRejects,
	}, nil
}

// Provider exposes the underlying MeterProvider so a process can attach
// its own metric reader/exporter.
func (m *Metrics) Provider() *sdkmetric.MeterProvider { return m.provider }

// RecordTransition records a state machine transition from one label to
// another for a given table.
func (m *Metrics) RecordTransition(ctx context.Context, tableName, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("table", tableName),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordTransformLatency records how long a Transform submission took to
// complete, successfully or not.
func (m *Metrics) RecordTransformLatency(ctx context.Context, tableName string, seconds float64, success bool) {
	m.transformLatency.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("table", tableName),
		attribute.Bool("success", success),
	))
}

// RecordRetry records that a view entered Retrying.
func (m *Metrics) RecordRetry(ctx context.Context, tableName string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("table", tableName)))
}

// RecordCircuitRejection records that a Transform dispatch was rejected
// by an open circuit breaker.
func (m *Metrics) RecordCircuitRejection(ctx context.Context, tableName string) {
	m.circuitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("table", tableName)))
}

// Shutdown flushes and releases the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider.Shutdown(ctx)
}
