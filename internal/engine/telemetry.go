package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/scrypster/spirit-memory/internal/engine"

// telemetry holds the engine's tracer and metric instruments. Instruments
// that fail to register are left nil and skipped.
type telemetry struct {
	tracer trace.Tracer

	nodesCreated    metric.Int64Counter
	segmentsFailed  metric.Int64Counter
	recallResults   metric.Int64Histogram
	extractDuration metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider, logger *zap.Logger) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	meter := mp.Meter(instrumentationName)

	var err error
	if t.nodesCreated, err = meter.Int64Counter("spirit.nodes.created",
		metric.WithDescription("Memory nodes written by store, update, merge and extract"),
		metric.WithUnit("1")); err != nil {
		logger.Warn("telemetry: register counter", zap.String("metric", "spirit.nodes.created"), zap.Error(err))
	}
	if t.segmentsFailed, err = meter.Int64Counter("spirit.segments.failed",
		metric.WithDescription("Segments whose sub-agent calls failed after retries"),
		metric.WithUnit("1")); err != nil {
		logger.Warn("telemetry: register counter", zap.String("metric", "spirit.segments.failed"), zap.Error(err))
	}
	if t.recallResults, err = meter.Int64Histogram("spirit.recall.results",
		metric.WithDescription("Nodes returned per recall"),
		metric.WithUnit("1")); err != nil {
		logger.Warn("telemetry: register histogram", zap.String("metric", "spirit.recall.results"), zap.Error(err))
	}
	if t.extractDuration, err = meter.Float64Histogram("spirit.extract.duration",
		metric.WithDescription("Wall time of one extraction"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("telemetry: register histogram", zap.String("metric", "spirit.extract.duration"), zap.Error(err))
	}
	return t
}

// start opens a span for one engine operation.
func (t *telemetry) start(ctx context.Context, op, agentID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("spirit.agent", agentID))
	return t.tracer.Start(ctx, "spirit."+op, trace.WithAttributes(attrs...))
}

// end records err on span, if any, and ends it.
func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *telemetry) addNodes(ctx context.Context, n int, op string) {
	if t.nodesCreated != nil && n > 0 {
		t.nodesCreated.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
	}
}

func (t *telemetry) addFailedSegments(ctx context.Context, n int) {
	if t.segmentsFailed != nil && n > 0 {
		t.segmentsFailed.Add(ctx, int64(n))
	}
}

func (t *telemetry) recordRecall(ctx context.Context, n int) {
	if t.recallResults != nil {
		t.recallResults.Record(ctx, int64(n))
	}
}

func (t *telemetry) recordExtract(ctx context.Context, started time.Time, status string) {
	if t.extractDuration != nil {
		t.extractDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("status", status)))
	}
}
