package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/broker/internal/domain"
	"github.com/relaymesh/broker/internal/registry"
)

// fakeStore is a minimal in-memory storage.Store for exercising Connection
// dispatch logic without a database.
type fakeStore struct {
	mu            sync.Mutex
	topics        map[string]*domain.Topic
	subscriptions map[string]*domain.Subscription // key: connID+"|"+topic
	messages      map[string][]domain.Message      // key: topic
	connections   map[uuid.UUID]*domain.Connection
	failGetTopic  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		topics:        make(map[string]*domain.Topic),
		subscriptions: make(map[string]*domain.Subscription),
		messages:      make(map[string][]domain.Message),
		connections:   make(map[uuid.UUID]*domain.Connection),
	}
}

func subKey(connID uuid.UUID, topic string) string { return connID.String() + "|" + topic }

func (f *fakeStore) GetOrCreateTopic(ctx context.Context, name string) (*domain.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.topics[name]; ok {
		return t, nil
	}
	t := &domain.Topic{Name: name, Active: true}
	f.topics[name] = t
	return t, nil
}

func (f *fakeStore) GetTopic(ctx context.Context, name string) (*domain.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGetTopic {
		return nil, fmt.Errorf("store: forced failure")
	}
	t, ok := f.topics[name]
	if !ok {
		return nil, fmt.Errorf("topic not found: %s", name)
	}
	return t, nil
}

func (f *fakeStore) CreateTopic(ctx context.Context, name string, metadata map[string]any) (*domain.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.topics[name]; ok {
		return nil, fmt.Errorf("topic already exists: %s", name)
	}
	t := &domain.Topic{Name: name, Active: true, Metadata: metadata}
	f.topics[name] = t
	return t, nil
}

func (f *fakeStore) DeleteTopic(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.topics[name]; !ok {
		return fmt.Errorf("topic not found: %s", name)
	}
	delete(f.topics, name)
	delete(f.messages, name)
	return nil
}

func (f *fakeStore) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Topic
	for _, t := range f.topics {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeStore) CreateConnection(ctx context.Context, conn *domain.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections[conn.ID] = conn
	return nil
}

func (f *fakeStore) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.connections[id]; !ok {
		return fmt.Errorf("connection not found: %s", id)
	}
	delete(f.connections, id)
	return nil
}

func (f *fakeStore) TouchConnection(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (f *fakeStore) UpsertSubscription(ctx context.Context, connID uuid.UUID, topic string) (bool, *domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subKey(connID, topic)
	if existing, ok := f.subscriptions[key]; ok {
		existing.Active = true
		return false, existing, nil
	}
	sub := &domain.Subscription{ConnectionID: connID, TopicName: topic, Active: true}
	f.subscriptions[key] = sub
	return true, sub, nil
}

func (f *fakeStore) DeactivateSubscription(ctx context.Context, connID uuid.UUID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subKey(connID, topic)
	sub, ok := f.subscriptions[key]
	if !ok || !sub.Active {
		return fmt.Errorf("subscription not found: connection=%s topic=%s", connID, topic)
	}
	sub.Active = false
	return nil
}

func (f *fakeStore) CountSubscriptions(ctx context.Context, topic string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subscriptions {
		if s.TopicName == topic && s.Active {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListSubscribers(ctx context.Context, topic string) ([]domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Subscription
	for _, s := range f.subscriptions {
		if s.TopicName == topic && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.topics[msg.TopicName]; !ok {
		return fmt.Errorf("topic not found: %s", msg.TopicName)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	f.messages[msg.TopicName] = append(f.messages[msg.TopicName], *msg)
	f.topics[msg.TopicName].MessageCount++
	return nil
}

func (f *fakeStore) RecentMessages(ctx context.Context, topic string, n int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[topic]
	// stored oldest-first; return newest-first, capped at n.
	out := make([]domain.Message, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, topic string, limit, offset int) ([]domain.Message, error) {
	return f.RecentMessages(ctx, topic, limit)
}

func (f *fakeStore) ListSubscriberDetails(ctx context.Context, topic string) ([]domain.SubscriberDetail, error) {
	subs, err := f.ListSubscribers(ctx, topic)
	if err != nil {
		return nil, err
	}
	details := make([]domain.SubscriberDetail, 0, len(subs))
	for _, s := range subs {
		details = append(details, domain.SubscriberDetail{ConnectionID: s.ConnectionID, SubscribedAt: s.SubscribedAt})
	}
	return details, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close()                         {}

func newTestConnection(store *fakeStore) (*Connection, *registry.Registry, *Fanout) {
	reg := registry.New()
	fo := NewFanout(reg, testLogger())
	c := &Connection{
		id:          uuid.New(),
		store:       store,
		registry:    reg,
		fanout:      fo,
		maxMsgBytes: 65536,
		logger:      slog.Default(),
		send:        make(chan []byte, 16),
		topics:      make(map[string]struct{}),
	}
	return c, reg, fo
}

func drain(t *testing.T, c *Connection) map[string]any {
	t.Helper()
	select {
	case frame := <-c.send:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(frame, &decoded))
		return decoded
	default:
		t.Fatal("expected a queued frame, found none")
		return nil
	}
}

func TestHandleFrame_MalformedJSON(t *testing.T) {
	c, _, _ := newTestConnection(newFakeStore())
	c.handleFrame(context.Background(), []byte(`not json`))

	got := drain(t, c)
	assert.Equal(t, "error", got["type"])
	_, hasRequestID := got["request_id"]
	assert.False(t, hasRequestID)
}

func TestHandleFrame_MissingRequestID(t *testing.T) {
	c, _, _ := newTestConnection(newFakeStore())
	c.handleFrame(context.Background(), []byte(`{"type":"ping"}`))

	got := drain(t, c)
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, "Invalid or missing request_id", got["error"])
	_, hasRequestID := got["request_id"]
	assert.False(t, hasRequestID)
}

func TestHandleFrame_UnknownType(t *testing.T) {
	c, _, _ := newTestConnection(newFakeStore())
	reqID := uuid.New()
	frame := fmt.Sprintf(`{"type":"frobnicate","request_id":"%s"}`, reqID)
	c.handleFrame(context.Background(), []byte(frame))

	got := drain(t, c)
	assert.Equal(t, "error", got["type"])
	assert.Contains(t, got["error"], "Unknown message type: frobnicate")
	assert.Equal(t, reqID.String(), got["request_id"])
}

func TestHandleFrame_Ping(t *testing.T) {
	c, _, _ := newTestConnection(newFakeStore())
	reqID := uuid.New()
	frame := fmt.Sprintf(`{"type":"ping","request_id":"%s"}`, reqID)
	c.handleFrame(context.Background(), []byte(frame))

	got := drain(t, c)
	assert.Equal(t, "pong", got["type"])
	assert.Equal(t, reqID.String(), got["request_id"])
}

func TestHandleFrame_SubscribeThenPublish_ExcludesPublisherFromFanout(t *testing.T) {
	store := newFakeStore()
	publisher, reg, fo := newTestConnection(store)
	subscriber := &Connection{
		id: uuid.New(), store: store, registry: reg, fanout: fo,
		maxMsgBytes: 65536, logger: slog.Default(),
		send: make(chan []byte, 16), topics: make(map[string]struct{}),
	}

	subReq := uuid.New()
	subscriber.handleFrame(context.Background(), []byte(fmt.Sprintf(
		`{"type":"subscribe","request_id":"%s","topic":"orders","client_id":"sub1"}`, subReq)))
	got := drain(t, subscriber)
	assert.Equal(t, "subscribed", got["type"])

	// The publisher is subscribed to the same topic, so exclusion is exercised.
	pubSubReq := uuid.New()
	publisher.handleFrame(context.Background(), []byte(fmt.Sprintf(
		`{"type":"subscribe","request_id":"%s","topic":"orders","client_id":"pub1"}`, pubSubReq)))
	got = drain(t, publisher)
	assert.Equal(t, "subscribed", got["type"])

	pubReq := uuid.New()
	publisher.handleFrame(context.Background(), []byte(fmt.Sprintf(
		`{"type":"publish","request_id":"%s","topic":"orders","client_id":"pub1","message":{"payload":{"amount":5}}}`, pubReq)))

	ack := drain(t, publisher)
	assert.Equal(t, "published", ack["type"])

	// Publisher must not also receive the fanned-out message.
	select {
	case frame := <-publisher.send:
		t.Fatalf("publisher unexpectedly received fan-out frame: %s", frame)
	default:
	}

	msg := drain(t, subscriber)
	assert.Equal(t, "message", msg["type"])
}

func TestHandleFrame_Publish_UnknownTopic(t *testing.T) {
	c, _, _ := newTestConnection(newFakeStore())
	reqID := uuid.New()
	frame := fmt.Sprintf(`{"type":"publish","request_id":"%s","topic":"missing","client_id":"c1","message":{"payload":1}}`, reqID)
	c.handleFrame(context.Background(), []byte(frame))

	got := drain(t, c)
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, "Topic not found", got["error"])
}

func TestHandleFrame_Unsubscribe_MissingSubscription_IsError(t *testing.T) {
	c, _, _ := newTestConnection(newFakeStore())
	reqID := uuid.New()
	frame := fmt.Sprintf(`{"type":"unsubscribe","request_id":"%s","topic":"orders","client_id":"c1"}`, reqID)
	c.handleFrame(context.Background(), []byte(frame))

	got := drain(t, c)
	assert.Equal(t, "error", got["type"], "unsubscribing from a subscription that doesn't exist must error, not silently succeed")
}

func TestHandleFrame_ReSubscribe_IsIdempotentAndAcks(t *testing.T) {
	c, _, _ := newTestConnection(newFakeStore())

	for i := 0; i < 2; i++ {
		reqID := uuid.New()
		frame := fmt.Sprintf(`{"type":"subscribe","request_id":"%s","topic":"orders","client_id":"c1"}`, reqID)
		c.handleFrame(context.Background(), []byte(frame))
		got := drain(t, c)
		assert.Equal(t, "subscribed", got["type"])
	}
}
