package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the logger, tracer and metrics of one smithy process.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
}

// NewTelemetry validates cfg and builds its logger, tracer and metrics.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, errors.Join(err, t.Logger.Close())
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, errors.Join(err, t.Logger.Close())
	}
	return t, nil
}

// StartMetricsServer serves the metrics endpoint if a listen address is
// configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Shutdown flushes pending spans, stops the metrics server and closes the
// log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// Operation is a traced, timed and logged unit of work.
type Operation struct {
	ctx    context.Context
	span   trace.Span
	logger zerolog.Logger
	start  time.Time
}

// StartOperation starts a span named name. The returned operation's context
// carries the span and a logger tagged with the operation and trace IDs.
func (t *Telemetry) StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	ctx, span := t.Tracer.StartSpan(ctx, name, attrs...)

	zctx := t.Logger.Zerolog().With().Str("operation", name)
	if sc := span.SpanContext(); sc.IsValid() {
		zctx = zctx.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
	logger := zctx.Logger()

	return &Operation{
		ctx:    logger.WithContext(ctx),
		span:   span,
		logger: logger,
		start:  time.Now(),
	}
}

// Context returns the operation's context.
func (o *Operation) Context() context.Context {
	return o.ctx
}

// Logger returns the operation's logger.
func (o *Operation) Logger() zerolog.Logger {
	return o.logger
}

// End ends the span, records err on it and returns the elapsed time.
func (o *Operation) End(err error) time.Duration {
	elapsed := time.Since(o.start)
	if err != nil {
		RecordError(o.span, err)
		o.logger.Debug().Err(err).Dur("duration", elapsed).Msg("Operation failed")
	} else {
		RecordSuccess(o.span)
		o.logger.Debug().Dur("duration", elapsed).Msg("Operation completed")
	}
	o.span.End()
	return elapsed
}
