package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicStatsKey(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		expected string
	}{
		{"simple topic", "orders", "broker:topic:orders:stats"},
		{"topic with dashes", "order-events", "broker:topic:order-events:stats"},
		{"empty topic", "", "broker:topic::stats"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TopicStatsKey(tt.topic))
		})
	}
}

func TestTopicStatsKey_DifferentTopicsDifferentKeys(t *testing.T) {
	assert.NotEqual(t, TopicStatsKey("orders"), TopicStatsKey("payments"))
}

func TestTopicsKey_IsStable(t *testing.T) {
	assert.Equal(t, "broker:topics", TopicsKey)
}
