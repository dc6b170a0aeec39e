package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"safeyou-chat/internal/mocks"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.chat", "safeyou-chat", "test")
	ctx := WithRequestID(context.Background(), "req-1")

	pub.On("Publish", mock.Anything, "audit.chat", mock.MatchedBy(func(env AuditEnvelope) bool {
		return env.EventType == "audit_log" &&
			env.RequestID == "req-1" &&
			env.ActorID == "u2" &&
			env.Service == "safeyou-chat" &&
			env.Payload.Action == "moderation.suspend" &&
			env.Payload.Attributes["target_id"] == "u1"
	})).Return(nil).Once()

	emitter.Emit(ctx, "moderation.suspend", "u2", "user suspended", map[string]string{"target_id": "u1"})
	pub.AssertExpectations(t)
}

func TestEmitSwallowsPublishError(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.chat", "safeyou-chat", "test")
	pub.On("Publish", mock.Anything, "audit.chat", mock.Anything).Return(assert.AnError).Once()

	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "moderation.extend", "u3", "extended", nil)
	})
	pub.AssertExpectations(t)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() { emitter.Emit(context.Background(), "x", "", "", nil) })
	assert.Empty(t, RequestIDFromContext(context.Background()))
}
