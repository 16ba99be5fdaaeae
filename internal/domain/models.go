// Package domain holds the core data types shared by the broker's storage,
// registry, and protocol layers.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Topic is a named channel. Name is the primary identity; SubscriberCount
// and MessageCount are authoritative recounts maintained by the store, not
// deltas applied by callers.
type Topic struct {
	Name            string         `json:"name" db:"name"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	LastPublishedAt *time.Time     `json:"last_published_at,omitempty" db:"last_published_at"`
	MessageCount    int64          `json:"message_count" db:"message_count"`
	SubscriberCount int            `json:"subscriber_count" db:"subscriber_count"`
	Active          bool           `json:"active" db:"active"`
	Metadata        map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// Connection is a live WebSocket session. ID is assigned at accept time.
type Connection struct {
	ID           uuid.UUID      `json:"connection_id" db:"id"`
	RemoteAddr   string         `json:"remote_addr" db:"remote_addr"`
	UserAgent    string         `json:"user_agent" db:"user_agent"`
	ConnectedAt  time.Time      `json:"connected_at" db:"connected_at"`
	LastActivity time.Time      `json:"last_activity" db:"last_activity"`
	Active       bool           `json:"active" db:"active"`
	Metadata     map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// Subscription relates a Connection to a Topic. At most one row exists per
// (ConnectionID, TopicName) pair; re-subscribing flips Active back to true
// on the existing row rather than creating a new one.
type Subscription struct {
	ConnectionID uuid.UUID `json:"connection_id" db:"connection_id"`
	TopicName    string    `json:"topic" db:"topic_name"`
	SubscribedAt time.Time `json:"subscribed_at" db:"subscribed_at"`
	Active       bool      `json:"active" db:"active"`
}

// Message is a published payload, persisted independent of the publishing
// Connection's lifetime. PublisherConnID is nil once that connection has
// disappeared; messages always survive as history.
type Message struct {
	ID                  uuid.UUID      `json:"id" db:"id"`
	TopicName           string         `json:"topic" db:"topic_name"`
	PublisherConnID     *uuid.UUID     `json:"publisher_connection_id,omitempty" db:"publisher_connection_id"`
	Payload             string         `json:"payload" db:"payload"`
	PublishedAt         time.Time      `json:"timestamp" db:"published_at"`
	DeliveryAttempts    int            `json:"delivery_attempts" db:"delivery_attempts"`
	MaxDeliveryAttempts int            `json:"max_delivery_attempts" db:"max_delivery_attempts"`
	Metadata            map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// SubscriberDetail joins a Subscription with its Connection's network
// identity, for the admin bridge's per-topic subscriber listing.
type SubscriberDetail struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	SubscribedAt time.Time `json:"subscribed_at"`
	ClientIP     string    `json:"client_ip"`
	UserAgent    string    `json:"user_agent"`
}

// DefaultMaxDeliveryAttempts is the value stored on every new Message; the
// column is reserved for a future redelivery path and is never incremented
// by the hot-path fan-out.
const DefaultMaxDeliveryAttempts = 3

// ClientID extracts the publisher's declared client_id from Metadata, if
// present.
func (m Message) ClientID() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["client_id"].(string); ok {
		return v
	}
	return ""
}
