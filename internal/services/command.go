package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/observability"
)

var tracer = otel.Tracer("safeyou-chat/services")

// EventPublisher is the bus as seen by the services.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) (models.ChangeEvent, error)
}

// command bounds one operation by timeout and wraps it in a span. finish
// records the outcome and maps timeouts to ErrTransient.
type command struct {
	name  string
	start time.Time
	span  trace.Span
	stop  context.CancelFunc
}

func startCommand(ctx context.Context, name string, timeout time.Duration, attrs ...attribute.KeyValue) (context.Context, *command) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, &command{name: name, start: time.Now(), span: span, stop: cancel}
}

func (c *command) finish(errp *error) {
	c.stop()
	err := transient(*errp)
	*errp = err
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
	observability.ObserveCommand(c.name, outcome(err), time.Since(c.start))
}

// publishTimeout bounds the publish that follows a committed mutation.
const publishTimeout = 5 * time.Second

// emit publishes ev. The mutation is already committed, so the publish is
// detached from the caller's deadline and a failure is logged rather than
// returned.
func emit(ctx context.Context, bus EventPublisher, ev models.ChangeEvent, buildErr error) {
	if buildErr == nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		_, buildErr = bus.Publish(pctx, ev)
		cancel()
	}
	if buildErr != nil {
		logger.Log.Error("change event not published",
			zap.String("entity", string(ev.Entity)),
			zap.String("entity_id", ev.EntityID),
			zap.Error(buildErr))
	}
}
