package engine

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/SamSnead85/moneyloop-sub004/internal/engine"

// instruments are the engine's spans and counters. They resolve against
// the global providers, which are no-ops unless telemetry is configured.
type instruments struct {
	tracer        trace.Tracer
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	pushed        metric.Int64Counter
	pulled        metric.Int64Counter
	feedEvents    metric.Int64Counter
}

func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)

	cycles, err1 := meter.Int64Counter("sync.cycles",
		metric.WithDescription("Completed sync cycles"))
	cycleDuration, err2 := meter.Float64Histogram("sync.cycle.duration",
		metric.WithDescription("Sync cycle wall time"),
		metric.WithUnit("s"))
	pushed, err3 := meter.Int64Counter("sync.outbox.pushed",
		metric.WithDescription("Outbox entries pushed, by result"))
	pulled, err4 := meter.Int64Counter("sync.records.pulled",
		metric.WithDescription("Records pulled, by entity type"))
	feedEvents, err5 := meter.Int64Counter("sync.feed.events",
		metric.WithDescription("Realtime change events applied, by entity type"))

	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		logger.Warn("creating metric instruments", slog.String("error", err.Error()))
	}

	return &instruments{
		tracer:        otel.Tracer(instrumentationName),
		cycles:        cycles,
		cycleDuration: cycleDuration,
		pushed:        pushed,
		pulled:        pulled,
		feedEvents:    feedEvents,
	}
}

func (in *instruments) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (in *instruments) addPushed(ctx context.Context, n int, result string) {
	if n > 0 {
		in.pushed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
	}
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}
