package rabbitmq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"referral-service/internal/models"
	"referral-service/internal/telemetry"
)

func TestNewPublisherEmptyURLIsNoop(t *testing.T) {
	p := NewPublisher("", "referral.events", nil)

	assert.Equal(t, "noop", PublisherMode(p))
	assert.Equal(t, "empty amqp url", PublisherNoopReason(p))
	require.NoError(t, p.Close())
}

func TestNoopPublishLogsMatchEvent(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	p := NewPublisher("", "referral.events", zap.New(core))

	err := p.Publish(context.Background(), telemetry.EventMatchConfirmed, telemetry.MatchEventEnvelope{
		EventType: telemetry.EventMatchConfirmed,
		Match:     telemetry.MatchPayload{ID: "m1", Status: models.MatchStatusConfirmed},
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("rabbitmq noop publish").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].ContextMap()["match_id"])
}

func TestPublisherModeUnknown(t *testing.T) {
	assert.Equal(t, "unknown", PublisherMode(nil))
	assert.Empty(t, PublisherNoopReason(nil))
}
