// Package registry implements the in-memory topic registry (C2): the one
// shared mutable structure connection handlers and the fan-out engine
// touch directly. It holds no durable state; the Postgres-backed store is
// the authoritative record of what subscriptions exist on paper, while the
// registry is authoritative for who currently receives messages.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is the minimal surface the registry needs from a connection
// handler: an identity for map membership and a way to push a serialized
// frame to the socket. Connection handlers implement this directly.
type Handle interface {
	ID() uuid.UUID
	Send(data []byte) error
}

// Registry holds topic_name -> set<Handle>. Mutation (Attach/Detach/Evict)
// and Snapshot are pairwise serialized by a single RWMutex; Snapshot takes
// a read lock and returns a copy so callers can iterate and perform I/O
// without holding the lock.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[Handle]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		topics: make(map[string]map[Handle]struct{}),
	}
}

// Attach adds handle to topic's subscriber set.
func (r *Registry) Attach(topic string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.topics[topic]
	if !ok {
		set = make(map[Handle]struct{})
		r.topics[topic] = set
	}
	set[handle] = struct{}{}
}

// Detach removes handle from topic's subscriber set. If the set becomes
// empty, the topic entry is evicted entirely.
func (r *Registry) Detach(topic string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(set, handle)
	if len(set) == 0 {
		delete(r.topics, topic)
	}
}

// Snapshot returns a copy of topic's current subscriber set, safe to
// iterate without holding the registry lock.
func (r *Registry) Snapshot(topic string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// EvictTopic removes topic's entry entirely and returns the set that was
// there, for callers (the fan-out engine's topic-deletion notice) that
// need to both notify and clear in one step.
func (r *Registry) EvictTopic(topic string) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.topics[topic]
	if !ok {
		return nil
	}
	delete(r.topics, topic)

	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// TopicCount returns the number of topics with at least one subscriber
// currently tracked by the registry. The admin bridge's health and stats
// endpoints do not use it; they report counts from the durable store.
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// SubscriberCount returns the live subscriber count for topic as tracked
// by the registry (not the durable store's recount).
func (r *Registry) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// TotalSubscriptions returns the sum of subscriber counts across all
// topics currently tracked.
func (r *Registry) TotalSubscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.topics {
		n += len(set)
	}
	return n
}
