package observability

import (
	"context"
)

// EventEnvelope wraps operational events (websocket lifecycle and the like)
// published to the broker.
type EventEnvelope struct {
	EventType string            `json:"event_type"`
	EventName string            `json:"event_name"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   interface{}       `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// Publisher is the broker client used for operational events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

var defaultPublisher Publisher

func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent sends env to routingKey on the configured publisher, if any.
func PublishEvent(ctx context.Context, routingKey string, env EventEnvelope) error {
	if defaultPublisher == nil {
		return nil
	}

	return defaultPublisher.Publish(ctx, routingKey, env)
}
