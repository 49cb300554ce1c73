package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danmuck/edgekv/internal/command"
)

// CommandMetrics records every dispatched command in prometheus.
type CommandMetrics struct{}

func (CommandMetrics) PreCommand(command.Event) error { return nil }

func (CommandMetrics) PostCommand(ev command.Event) error {
	RecordCommand(ev.Name, ev.Result.String(), ev.Duration)
	return nil
}

// CommandTracer emits one span per dispatched command. Spans are built after
// the fact from the event timestamps so nothing is held between callbacks.
type CommandTracer struct {
	tracer trace.Tracer
}

func NewCommandTracer(tp trace.TracerProvider) *CommandTracer {
	return &CommandTracer{tracer: tp.Tracer("edgekv/dispatch")}
}

func (t *CommandTracer) PreCommand(command.Event) error { return nil }

func (t *CommandTracer) PostCommand(ev command.Event) error {
	_, span := t.tracer.Start(context.Background(), "command."+ev.Name,
		trace.WithTimestamp(ev.Started),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("edgekv.conn", ev.Client.ID()),
			attribute.String("edgekv.account", ev.Client.Target()),
			attribute.Int("edgekv.params", len(ev.Params)),
			attribute.String("edgekv.result", ev.Result.String()),
		),
	)
	switch {
	case ev.Err != nil:
		span.RecordError(ev.Err)
		span.SetStatus(codes.Error, ev.Err.Error())
	case ev.Result == command.ResultFailed:
		span.SetStatus(codes.Error, ev.Result.String())
	}
	span.End(trace.WithTimestamp(ev.Started.Add(ev.Duration)))
	return nil
}
