package scrape

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/hazyhaar/hybridfetch/scrape"

// metrics records engine activity on the global meter provider. Nothing is
// exported unless the program installs one.
type metrics struct {
	attempts    metric.Int64Counter
	fetches     metric.Int64Counter
	escalations metric.Int64Counter
	duration    metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	m.attempts, _ = meter.Int64Counter("hybridfetch.attempts",
		metric.WithDescription("Strategy executions by strategy and outcome kind."))
	m.fetches, _ = meter.Int64Counter("hybridfetch.fetches",
		metric.WithDescription("Completed fetches by outcome."))
	m.escalations, _ = meter.Int64Counter("hybridfetch.escalations",
		metric.WithDescription("Moves to a heavier strategy."))
	m.duration, _ = meter.Float64Histogram("hybridfetch.fetch.duration",
		metric.WithDescription("Wall time of a fetch, all attempts included."),
		metric.WithUnit("s"))
	return m
}

func (m *metrics) attempt(ctx context.Context, id StrategyID, kind FailureKind, ok bool) {
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", id.String()),
		attribute.String("kind", kind.String()),
		attribute.Bool("success", ok),
	))
}

func (m *metrics) escalation(ctx context.Context, from, to StrategyID, kind FailureKind) {
	m.escalations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
		attribute.String("kind", kind.String()),
	))
}

func (m *metrics) fetch(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.fetches.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}
