package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Commands records a span, a counter and a duration histogram for every
// engine command.
type Commands struct {
	tracer trace.Tracer
	count  metric.Int64Counter
	errs   metric.Int64Counter
	dur    metric.Float64Histogram
}

func NewCommands() *Commands {
	m := Meter()
	count, _ := m.Int64Counter("trackline.engine.commands",
		metric.WithDescription("Engine commands executed"),
	)
	errs, _ := m.Int64Counter("trackline.engine.errors",
		metric.WithDescription("Engine commands rejected or failed"),
	)
	dur, _ := m.Float64Histogram("trackline.engine.command.duration",
		metric.WithDescription("Engine command duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return &Commands{tracer: Tracer(), count: count, errs: errs, dur: dur}
}

// Start opens a span for command. The returned func ends it and records the
// outcome; kind classifies the error for the errors counter.
func (c *Commands) Start(ctx context.Context, command, workspaceID string) (context.Context, func(err error, kind string)) {
	if c == nil {
		return ctx, func(error, string) {}
	}
	attrs := []attribute.KeyValue{attribute.String("trackline.command", command)}
	if workspaceID != "" {
		attrs = append(attrs, attribute.String("trackline.workspace_id", workspaceID))
	}
	ctx, span := c.tracer.Start(ctx, "engine."+command, trace.WithAttributes(attrs...))
	start := time.Now()
	c.count.Add(ctx, 1, metric.WithAttributes(attrs[0]))
	return ctx, func(err error, kind string) {
		c.dur.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs[0]))
		if err != nil {
			if kind == "" {
				kind = "internal"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.errs.Add(ctx, 1, metric.WithAttributes(attrs[0], attribute.String("trackline.error", kind)))
		}
		span.End()
	}
}
