package rabbitmq

import (
	"context"
	"fmt"

	"safeyou-chat/internal/models"
)

// Relay forwards committed change events to the broker so services outside
// this process can follow the streams. Routing keys are chat.<entity>.<op>.
type Relay struct {
	publisher Publisher
}

func NewRelay(publisher Publisher) *Relay {
	return &Relay{publisher: publisher}
}

func RoutingKey(ev models.ChangeEvent) string {
	return fmt.Sprintf("chat.%s.%s", ev.Entity, ev.Op)
}

// Forward implements the bus sink.
func (r *Relay) Forward(ctx context.Context, ev models.ChangeEvent) error {
	return r.publisher.Publish(ctx, RoutingKey(ev), ev)
}
