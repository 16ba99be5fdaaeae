package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/relaymesh/broker/internal/domain"
)

// Store is the durable store (C1): it persists topics, connections,
// subscriptions, and messages, and provides the transactional operations
// the broker's connection handlers and admin bridge rely on. All methods
// accept a context for cancellation and deadlines; callers should not
// retry on StoreError, the call already left no partial mutation applied.
type Store interface {
	// Topics

	// GetOrCreateTopic returns the topic row for name, creating it with
	// zeroed counters if it does not already exist.
	GetOrCreateTopic(ctx context.Context, name string) (*domain.Topic, error)
	GetTopic(ctx context.Context, name string) (*domain.Topic, error)
	// CreateTopic inserts a new topic and fails with an AlreadyExists-class
	// error if name is already taken.
	CreateTopic(ctx context.Context, name string, metadata map[string]any) (*domain.Topic, error)
	// DeleteTopic removes the topic along with all of its subscriptions
	// and messages in a single transaction.
	DeleteTopic(ctx context.Context, name string) error
	ListTopics(ctx context.Context) ([]domain.Topic, error)

	// Connections

	CreateConnection(ctx context.Context, conn *domain.Connection) error
	// DeleteConnection removes the connection row along with all of its
	// subscriptions in a single transaction.
	DeleteConnection(ctx context.Context, id uuid.UUID) error
	TouchConnection(ctx context.Context, id uuid.UUID) error

	// Subscriptions

	// UpsertSubscription creates or reactivates the (connID, topic) row,
	// setting active=true, and reports whether the row was newly created.
	UpsertSubscription(ctx context.Context, connID uuid.UUID, topic string) (created bool, sub *domain.Subscription, err error)
	DeactivateSubscription(ctx context.Context, connID uuid.UUID, topic string) error
	CountSubscriptions(ctx context.Context, topic string) (int, error)
	ListSubscribers(ctx context.Context, topic string) ([]domain.Subscription, error)
	// ListSubscriberDetails joins active subscriptions with their owning
	// connections, for the admin bridge's subscriber listing.
	ListSubscriberDetails(ctx context.Context, topic string) ([]domain.SubscriberDetail, error)

	// Messages

	// AppendMessage persists a published message and bumps the owning
	// topic's message_count and last_published_at in the same transaction.
	AppendMessage(ctx context.Context, msg *domain.Message) error
	// RecentMessages returns up to n messages for topic, newest first.
	RecentMessages(ctx context.Context, topic string, n int) ([]domain.Message, error)
	// ListMessages paginates a topic's message history, newest first, for
	// the admin bridge (C6).
	ListMessages(ctx context.Context, topic string, limit, offset int) ([]domain.Message, error)

	Ping(ctx context.Context) error
	Close()
}

// Cache is the read-path cache (Redis-backed) fronting the C6 admin
// bridge's topic-list query. It is advisory: a cache miss or
// error falls back to the Store, it never gates correctness.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttlMS int) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
