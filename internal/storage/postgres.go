package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaymesh/broker/internal/domain"
)

// IsNotFound returns true if the error indicates a record was not found.
// This checks for both pgx.ErrNoRows and the "not found" error strings
// produced by this package's query methods.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if err == pgx.ErrNoRows {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}

// IsAlreadyExists returns true if the error indicates a unique-constraint
// collision raised by CreateTopic.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "already exists")
}

// PostgresStore wraps a pgx connection pool and implements Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed Store from the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases all connections in the pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Ping verifies connectivity to PostgreSQL.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// --------------------------------------------------------------------------
// Topics
// --------------------------------------------------------------------------

func (p *PostgresStore) GetOrCreateTopic(ctx context.Context, name string) (*domain.Topic, error) {
	t, err := p.GetTopic(ctx, name)
	if err == nil {
		return t, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO topics (name, created_at, message_count, subscriber_count, active)
		VALUES ($1, $2, 0, 0, true)
		ON CONFLICT (name) DO NOTHING
	`, name, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: get_or_create_topic: %w", err)
	}

	return p.GetTopic(ctx, name)
}

func (p *PostgresStore) GetTopic(ctx context.Context, name string) (*domain.Topic, error) {
	var t domain.Topic
	var metadataRaw []byte
	err := p.pool.QueryRow(ctx, `
		SELECT name, created_at, last_published_at, message_count, subscriber_count, active, metadata
		FROM topics WHERE name = $1
	`, name).Scan(&t.Name, &t.CreatedAt, &t.LastPublishedAt, &t.MessageCount, &t.SubscriberCount, &t.Active, &metadataRaw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("postgres: topic not found: %s", name)
		}
		return nil, fmt.Errorf("postgres: get_topic: %w", err)
	}
	if t.Metadata, err = unmarshalMetadata(metadataRaw); err != nil {
		return nil, fmt.Errorf("postgres: get_topic: unmarshal metadata: %w", err)
	}
	return &t, nil
}

func (p *PostgresStore) CreateTopic(ctx context.Context, name string, metadata map[string]any) (*domain.Topic, error) {
	metadataRaw, err := marshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("postgres: create_topic: marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	_, err = p.pool.Exec(ctx, `
		INSERT INTO topics (name, created_at, message_count, subscriber_count, active, metadata)
		VALUES ($1, $2, 0, 0, true, $3)
	`, name, now, metadataRaw)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint") {
			return nil, fmt.Errorf("postgres: topic already exists: %s", name)
		}
		return nil, fmt.Errorf("postgres: create_topic: %w", err)
	}

	return &domain.Topic{Name: name, CreatedAt: now, Active: true, Metadata: metadata}, nil
}

func (p *PostgresStore) DeleteTopic(ctx context.Context, name string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete_topic begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE topic_name = $1`, name); err != nil {
		return fmt.Errorf("postgres: delete_topic messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM subscriptions WHERE topic_name = $1`, name); err != nil {
		return fmt.Errorf("postgres: delete_topic subscriptions: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM topics WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("postgres: delete_topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: topic not found: %s", name)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: delete_topic commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT name, created_at, last_published_at, message_count, subscriber_count, active, metadata
		FROM topics
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list_topics: %w", err)
	}
	defer rows.Close()

	var topics []domain.Topic
	for rows.Next() {
		var t domain.Topic
		var metadataRaw []byte
		if err := rows.Scan(&t.Name, &t.CreatedAt, &t.LastPublishedAt, &t.MessageCount, &t.SubscriberCount, &t.Active, &metadataRaw); err != nil {
			return nil, fmt.Errorf("postgres: scan topic: %w", err)
		}
		if t.Metadata, err = unmarshalMetadata(metadataRaw); err != nil {
			return nil, fmt.Errorf("postgres: list_topics: unmarshal metadata: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// --------------------------------------------------------------------------
// Connections
// --------------------------------------------------------------------------

func (p *PostgresStore) CreateConnection(ctx context.Context, conn *domain.Connection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	now := time.Now().UTC()
	conn.ConnectedAt = now
	conn.LastActivity = now
	conn.Active = true

	metadataRaw, err := marshalMetadata(conn.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: create_connection: marshal metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO connections (id, remote_addr, user_agent, connected_at, last_activity, active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, conn.ID, conn.RemoteAddr, conn.UserAgent, conn.ConnectedAt, conn.LastActivity, conn.Active, metadataRaw)
	if err != nil {
		return fmt.Errorf("postgres: create_connection: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete_connection begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `DELETE FROM subscriptions WHERE connection_id = $1 RETURNING topic_name`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete_connection subscriptions: %w", err)
	}
	var topics []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: delete_connection scan topic: %w", err)
		}
		topics = append(topics, topic)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: delete_connection subscriptions: %w", err)
	}
	for _, topic := range topics {
		if err := p.recountSubscribersTx(ctx, tx, topic); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE messages SET publisher_connection_id = NULL WHERE publisher_connection_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete_connection detach messages: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete_connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: connection not found: %s", id)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: delete_connection commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) TouchConnection(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE connections SET last_activity = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: touch_connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: connection not found: %s", id)
	}
	return nil
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

func (p *PostgresStore) UpsertSubscription(ctx context.Context, connID uuid.UUID, topic string) (bool, *domain.Subscription, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("postgres: upsert_subscription begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	// xmax is 0 only on a freshly inserted row version, so it tells an
	// insert apart from the ON CONFLICT update.
	var created bool
	err = tx.QueryRow(ctx, `
		INSERT INTO subscriptions (connection_id, topic_name, subscribed_at, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (connection_id, topic_name) DO UPDATE SET active = true
		RETURNING (xmax = 0)
	`, connID, topic, now).Scan(&created)
	if err != nil {
		return false, nil, fmt.Errorf("postgres: upsert_subscription: %w", err)
	}

	if err := p.recountSubscribersTx(ctx, tx, topic); err != nil {
		return false, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("postgres: upsert_subscription commit: %w", err)
	}

	return created, &domain.Subscription{ConnectionID: connID, TopicName: topic, SubscribedAt: now, Active: true}, nil
}

func (p *PostgresStore) DeactivateSubscription(ctx context.Context, connID uuid.UUID, topic string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: deactivate_subscription begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE subscriptions SET active = false
		WHERE connection_id = $1 AND topic_name = $2 AND active = true
	`, connID, topic)
	if err != nil {
		return fmt.Errorf("postgres: deactivate_subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: subscription not found: connection=%s topic=%s", connID, topic)
	}

	if err := p.recountSubscribersTx(ctx, tx, topic); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: deactivate_subscription commit: %w", err)
	}
	return nil
}

// recountSubscribersTx recomputes topics.subscriber_count from the active
// subscriptions rows and writes it back. This is an authoritative recount,
// not a delta, to stay correct under concurrent subscribe/unsubscribe.
func (p *PostgresStore) recountSubscribersTx(ctx context.Context, tx pgx.Tx, topic string) error {
	var count int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE topic_name = $1 AND active = true
	`, topic).Scan(&count)
	if err != nil {
		return fmt.Errorf("postgres: recount_subscribers: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE topics SET subscriber_count = $1 WHERE name = $2`, count, topic); err != nil {
		return fmt.Errorf("postgres: recount_subscribers write back: %w", err)
	}
	return nil
}

func (p *PostgresStore) CountSubscriptions(ctx context.Context, topic string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE topic_name = $1 AND active = true
	`, topic).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count_subscriptions: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) ListSubscribers(ctx context.Context, topic string) ([]domain.Subscription, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT connection_id, topic_name, subscribed_at, active
		FROM subscriptions
		WHERE topic_name = $1 AND active = true
		ORDER BY subscribed_at ASC
	`, topic)
	if err != nil {
		return nil, fmt.Errorf("postgres: list_subscribers: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var s domain.Subscription
		if err := rows.Scan(&s.ConnectionID, &s.TopicName, &s.SubscribedAt, &s.Active); err != nil {
			return nil, fmt.Errorf("postgres: scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) ListSubscriberDetails(ctx context.Context, topic string) ([]domain.SubscriberDetail, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT s.connection_id, s.subscribed_at, c.remote_addr, c.user_agent
		FROM subscriptions s
		JOIN connections c ON c.id = s.connection_id
		WHERE s.topic_name = $1 AND s.active = true
		ORDER BY s.subscribed_at ASC
	`, topic)
	if err != nil {
		return nil, fmt.Errorf("postgres: list_subscriber_details: %w", err)
	}
	defer rows.Close()

	var details []domain.SubscriberDetail
	for rows.Next() {
		var d domain.SubscriberDetail
		if err := rows.Scan(&d.ConnectionID, &d.SubscribedAt, &d.ClientIP, &d.UserAgent); err != nil {
			return nil, fmt.Errorf("postgres: scan subscriber detail: %w", err)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

func (p *PostgresStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.PublishedAt = time.Now().UTC()
	if msg.MaxDeliveryAttempts == 0 {
		msg.MaxDeliveryAttempts = domain.DefaultMaxDeliveryAttempts
	}

	metadataRaw, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: append_message: marshal metadata: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: append_message begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (
			id, topic_name, publisher_connection_id, payload, published_at,
			delivery_attempts, max_delivery_attempts, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.TopicName, msg.PublisherConnID, msg.Payload, msg.PublishedAt,
		msg.DeliveryAttempts, msg.MaxDeliveryAttempts, metadataRaw)
	if err != nil {
		return fmt.Errorf("postgres: append_message insert: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE topics SET message_count = message_count + 1, last_published_at = $1
		WHERE name = $2
	`, msg.PublishedAt, msg.TopicName)
	if err != nil {
		return fmt.Errorf("postgres: append_message update topic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: topic not found: %s", msg.TopicName)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: append_message commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecentMessages(ctx context.Context, topic string, n int) ([]domain.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, topic_name, publisher_connection_id, payload, published_at,
		       delivery_attempts, max_delivery_attempts, metadata
		FROM messages
		WHERE topic_name = $1
		ORDER BY published_at DESC
		LIMIT $2
	`, topic, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent_messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		var metadataRaw []byte
		if err := rows.Scan(&m.ID, &m.TopicName, &m.PublisherConnID, &m.Payload, &m.PublishedAt,
			&m.DeliveryAttempts, &m.MaxDeliveryAttempts, &metadataRaw); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if m.Metadata, err = unmarshalMetadata(metadataRaw); err != nil {
			return nil, fmt.Errorf("postgres: recent_messages: unmarshal metadata: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (p *PostgresStore) ListMessages(ctx context.Context, topic string, limit, offset int) ([]domain.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, topic_name, publisher_connection_id, payload, published_at,
		       delivery_attempts, max_delivery_attempts, metadata
		FROM messages
		WHERE topic_name = $1
		ORDER BY published_at DESC
		LIMIT $2 OFFSET $3
	`, topic, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list_messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		var metadataRaw []byte
		if err := rows.Scan(&m.ID, &m.TopicName, &m.PublisherConnID, &m.Payload, &m.PublishedAt,
			&m.DeliveryAttempts, &m.MaxDeliveryAttempts, &metadataRaw); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if m.Metadata, err = unmarshalMetadata(metadataRaw); err != nil {
			return nil, fmt.Errorf("postgres: list_messages: unmarshal metadata: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
