package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "identity-session-core/commands"

// Metrics counts commands through the log and the processor. A nil *Metrics records nothing.
type Metrics struct {
	appended metric.Int64Counter
	applied  metric.Int64Counter
	rejected metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates the command instruments on provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	appended, err := meter.Int64Counter("identity.commands.appended",
		metric.WithDescription("Commands accepted by the command log."))
	if err != nil {
		return nil, err
	}
	applied, err := meter.Int64Counter("identity.commands.applied",
		metric.WithDescription("Commands that changed state."))
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("identity.commands.rejected",
		metric.WithDescription("Commands the processor turned into no-ops."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("identity.commands.duration",
		metric.WithDescription("Time spent applying one command."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Metrics{appended: appended, applied: applied, rejected: rejected, duration: duration}, nil
}

// CommandAppended records a command entering the log.
func (m *Metrics) CommandAppended(ctx context.Context, stream, typ string) {
	if m == nil {
		return
	}
	m.appended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("type", typ),
	))
}

// CommandProcessed records the outcome and duration of applying a command.
func (m *Metrics) CommandProcessed(ctx context.Context, typ string, applied bool, reason string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", typ))
	if applied {
		m.applied.Add(ctx, 1, attrs)
	} else {
		m.rejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", typ),
			attribute.String("reason", reason),
		))
	}
	m.duration.Record(ctx, float64(took.Microseconds())/1000, attrs)
}
