package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MetaTraceID carries the scoring trace id across the bus when no
// tracer provider is installed.
const MetaTraceID = "trace_id"

const defaultRequestTimeout = 30 * time.Second

// newMessage wraps payload in an envelope stamped with the trace context of ctx.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	md := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(md))
	if id := domain.TraceIDFromContext(ctx); id != "" {
		md[MetaTraceID] = id
	}

	return &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  md,
		Timestamp: time.Now().UnixNano(),
	}
}

// handlerContext restores the publisher's trace context for a handler.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
	if id := msg.Metadata[MetaTraceID]; id != "" {
		ctx = domain.WithTraceID(ctx, id)
	}
	return ctx
}

func requestTimeout(cfg domain.EventBusConfig) time.Duration {
	if cfg.RequestTimeout > 0 {
		return cfg.RequestTimeout
	}
	return defaultRequestTimeout
}
