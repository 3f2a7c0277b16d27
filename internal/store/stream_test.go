package store

import (
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallcrawler/sessioncore/internal/session"
)

func TestFromStreamImage(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"sessionId":      events.NewStringAttribute("sess_abc"),
		"projectId":      events.NewStringAttribute("proj_1"),
		"status":         events.NewStringAttribute("RUNNING"),
		"internalStatus": events.NewStringAttribute("READY"),
		"createdAt":      events.NewStringAttribute("2026-08-26T10:00:00Z"),
		"updatedAt":      events.NewStringAttribute("2026-08-26T10:00:20Z"),
		"expiresAt":      events.NewNumberAttribute("1787056800"),
		"keepAlive":      events.NewBooleanAttribute(true),
		"connectUrl":     events.NewStringAttribute("wss://3.91.12.7:9223/cdp?token=tok"),
		"userMetadata": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"purpose": events.NewStringAttribute("scrape"),
		}),
		"eventHistory": events.NewListAttribute([]events.DynamoDBAttributeValue{
			events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
				"eventType": events.NewStringAttribute("session_ready"),
				"timestamp": events.NewStringAttribute("2026-08-26T10:00:20Z"),
				"source":    events.NewStringAttribute("wallcrawler.browser"),
			}),
		}),
	}

	rec, err := FromStreamImage(image)
	require.NoError(t, err)
	assert.Equal(t, "sess_abc", rec.ID)
	assert.Equal(t, session.Ready, rec.InternalStatus)
	assert.Equal(t, session.StatusRunning, rec.Status)
	assert.EqualValues(t, 1787056800, rec.ExpiresAt)
	assert.True(t, rec.KeepAlive)
	assert.Equal(t, "scrape", rec.UserMetadata["purpose"])
	require.Len(t, rec.EventHistory, 1)
	assert.Equal(t, "session_ready", rec.EventHistory[0].EventType)
}

func TestFromStreamImageEmpty(t *testing.T) {
	rec, err := FromStreamImage(nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFromStreamImageMissingID(t *testing.T) {
	_, err := FromStreamImage(map[string]events.DynamoDBAttributeValue{
		"projectId": events.NewStringAttribute("proj_1"),
	})
	require.Error(t, err)
}
