package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	testActiveTTL   = 30 * time.Minute
	testInactiveTTL = 12 * time.Hour
	testThreshold   = 14 * 24 * time.Hour
)

func classifyPayload(t *testing.T, payload map[string]any) classification {
	t.Helper()
	return classify(payload, nil, time.Now(), testThreshold, testActiveTTL, testInactiveTTL)
}

func TestClassifyRecentActivity(t *testing.T) {
	payload := map[string]any{
		"stats": map[string]any{
			"last_match": time.Now().Add(-2 * 24 * time.Hour).Format(time.RFC3339),
		},
	}
	cls := classifyPayload(t, payload)
	assert.True(t, cls.isActive)
	assert.Equal(t, testActiveTTL, cls.ttl)
	assert.NotNil(t, cls.lastActivity)
}

func TestClassifyStaleActivity(t *testing.T) {
	payload := map[string]any{
		"stats": map[string]any{
			"last_match": time.Now().Add(-30 * 24 * time.Hour).Format(time.RFC3339),
		},
	}
	cls := classifyPayload(t, payload)
	assert.False(t, cls.isActive)
	assert.Equal(t, testInactiveTTL, cls.ttl)
	assert.NotNil(t, cls.lastActivity)
}

func TestClassifyNoActivityData(t *testing.T) {
	cls := classifyPayload(t, map[string]any{"nickname": "p1"})
	assert.False(t, cls.isActive)
	assert.Equal(t, testInactiveTTL, cls.ttl)
	assert.Nil(t, cls.lastActivity)
}

func TestClassifyAlternateActivityPaths(t *testing.T) {
	recent := time.Now().Add(-24 * time.Hour).Format(time.RFC3339)

	topLevel := map[string]any{"last_match_date": recent}
	assert.True(t, classifyPayload(t, topLevel).isActive)

	perGame := map[string]any{
		"games": map[string]any{
			"cs2": map[string]any{"last_match": recent},
		},
	}
	assert.True(t, classifyPayload(t, perGame).isActive)
}

func TestClassifyGarbageTimestamp(t *testing.T) {
	payload := map[string]any{
		"stats": map[string]any{"last_match": "not-a-time"},
	}
	cls := classifyPayload(t, payload)
	assert.False(t, cls.isActive)
	assert.Equal(t, testInactiveTTL, cls.ttl)
}

func TestClassifyStructPayloadViaBlob(t *testing.T) {
	// Struct payloads are classified through their serialized form.
	type doc struct {
		LastMatchDate string `msgpack:"last_match_date"`
	}
	val := doc{LastMatchDate: time.Now().Add(-time.Hour).Format(time.RFC3339)}
	blob := mustMarshal(t, val)
	cls := classify(val, blob, time.Now(), testThreshold, testActiveTTL, testInactiveTTL)
	assert.True(t, cls.isActive)
}
