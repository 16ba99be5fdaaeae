package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/relaymesh/broker/internal/domain"
)

// fakeStore is a minimal in-memory storage.Store used across this package's
// handler tests.
type fakeStore struct {
	mu       sync.Mutex
	topics   map[string]*domain.Topic
	messages map[string][]domain.Message
	subs     map[string][]domain.SubscriberDetail
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		topics:   make(map[string]*domain.Topic),
		messages: make(map[string][]domain.Message),
		subs:     make(map[string][]domain.SubscriberDetail),
	}
}

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
	t, ok := f.topics[name]
	if !ok {
		return nil, fmt.Errorf("postgres: topic not found: %s", name)
	}
	return t, nil
}

func (f *fakeStore) CreateTopic(ctx context.Context, name string, metadata map[string]any) (*domain.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.topics[name]; ok {
		return nil, fmt.Errorf("postgres: topic already exists: %s", name)
	}
	t := &domain.Topic{Name: name, Active: true, Metadata: metadata}
	f.topics[name] = t
	return t, nil
}

func (f *fakeStore) DeleteTopic(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.topics[name]; !ok {
		return fmt.Errorf("postgres: topic not found: %s", name)
	}
	delete(f.topics, name)
	delete(f.messages, name)
	delete(f.subs, name)
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

func (f *fakeStore) CreateConnection(ctx context.Context, conn *domain.Connection) error { return nil }
func (f *fakeStore) DeleteConnection(ctx context.Context, id uuid.UUID) error            { return nil }
func (f *fakeStore) TouchConnection(ctx context.Context, id uuid.UUID) error             { return nil }

func (f *fakeStore) UpsertSubscription(ctx context.Context, connID uuid.UUID, topic string) (bool, *domain.Subscription, error) {
	return true, &domain.Subscription{ConnectionID: connID, TopicName: topic, Active: true}, nil
}

func (f *fakeStore) DeactivateSubscription(ctx context.Context, connID uuid.UUID, topic string) error {
	return nil
}

func (f *fakeStore) CountSubscriptions(ctx context.Context, topic string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic]), nil
}

func (f *fakeStore) ListSubscribers(ctx context.Context, topic string) ([]domain.Subscription, error) {
	return nil, nil
}

func (f *fakeStore) ListSubscriberDetails(ctx context.Context, topic string) ([]domain.SubscriberDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[topic], nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	f.messages[msg.TopicName] = append(f.messages[msg.TopicName], *msg)
	if t, ok := f.topics[msg.TopicName]; ok {
		t.MessageCount++
	}
	return nil
}

func (f *fakeStore) RecentMessages(ctx context.Context, topic string, n int) ([]domain.Message, error) {
	return f.ListMessages(ctx, topic, n, 0)
}

func (f *fakeStore) ListMessages(ctx context.Context, topic string, limit, offset int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[topic]
	out := make([]domain.Message, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close()                         {}

// fakeCache is a minimal in-memory storage.Cache.
type fakeCache struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string)}
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return "", fmt.Errorf("cache: miss")
	}
	return v, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value interface{}, ttlMS int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = fmt.Sprintf("%v", value)
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *fakeCache) Ping(ctx context.Context) error { return nil }
func (c *fakeCache) Close() error                   { return nil }

// fakeNotifier records topic-deletion notifications.
type fakeNotifier struct {
	mu     sync.Mutex
	topics []string
}

func (n *fakeNotifier) NotifyTopicDeleted(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.topics = append(n.topics, topic)
}
