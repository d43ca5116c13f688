package daemon

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry routes rotation spans into the process log so operators see
// cycle timing without an external collector.
type Telemetry struct {
	provider *sdktrace.TracerProvider
}

func newTelemetry() *Telemetry {
	processor := &logSpanProcessor{log: slog.With("component", "trace")}
	return &Telemetry{
		provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(processor)),
	}
}

func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.provider.Tracer(name)
}

func (t *Telemetry) Close() {
	_ = t.provider.Shutdown(context.Background())
}

type logSpanProcessor struct {
	log *slog.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	dur := s.EndTime().Sub(s.StartTime())
	if s.Status().Code == codes.Error {
		p.log.Warn("span", "name", s.Name(), "duration", dur, "err", s.Status().Description)
		return
	}
	p.log.Debug("span", "name", s.Name(), "duration", dur)
}

func (p *logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
