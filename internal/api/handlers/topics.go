package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relaymesh/broker/internal/api"
	"github.com/relaymesh/broker/internal/storage"
)

// topicDeletionNotifier decouples the admin bridge from the broker package's
// concrete Fanout type, avoiding an import cycle between internal/api and
// internal/broker.
type topicDeletionNotifier interface {
	NotifyTopicDeleted(topic string)
}

// TopicsHandler implements the admin bridge's topic lifecycle endpoints:
// list, create, detail, delete, subscribers, and message history.
type TopicsHandler struct {
	store      storage.Store
	cache      storage.Cache
	notifier   topicDeletionNotifier
	cacheTTLMS int
	logger     *slog.Logger
}

// NewTopicsHandler creates a TopicsHandler. cache may be nil, in which case
// reads always go straight to the store.
func NewTopicsHandler(store storage.Store, cache storage.Cache, notifier topicDeletionNotifier, cacheTTLMS int, logger *slog.Logger) *TopicsHandler {
	return &TopicsHandler{
		store:      store,
		cache:      cache,
		notifier:   notifier,
		cacheTTLMS: cacheTTLMS,
		logger:     logger.With("component", "topics-handler"),
	}
}

type topicSummary struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// List handles GET /topics/. The response is cached for a short TTL,
// invalidated on any topic create/delete; a cache miss or error falls back
// to the store transparently.
func (h *TopicsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		if cached, err := h.cache.Get(r.Context(), storage.TopicsKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(cached))
			return
		}
	}

	topics, err := h.store.ListTopics(r.Context())
	if err != nil {
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to list topics")
		return
	}

	summaries := make([]topicSummary, 0, len(topics))
	for _, t := range topics {
		summaries = append(summaries, topicSummary{Name: t.Name, Subscribers: t.SubscriberCount})
	}
	resp := map[string]any{"topics": summaries}

	if h.cache != nil {
		if err := h.cache.Set(r.Context(), storage.TopicsKey, resp, h.cacheTTLMS); err != nil {
			h.logger.Warn("cache write failed", "key", storage.TopicsKey, "error", err)
		}
	}

	api.JSON(w, http.StatusOK, resp)
}

type createTopicRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Create handles POST /topics/create/.
func (h *TopicsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "malformed request body")
		return
	}
	if req.Name == "" {
		api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "name is required")
		return
	}

	topic, err := h.store.CreateTopic(r.Context(), req.Name, req.Metadata)
	if err != nil {
		if storage.IsAlreadyExists(err) {
			api.Error(w, http.StatusConflict, api.ErrCodeConflict, "Topic already exists")
			return
		}
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to create topic")
		return
	}

	h.invalidateListCache(r)
	api.JSON(w, http.StatusCreated, map[string]any{"status": "created", "topic": topic})
}

// Detail handles GET /topics/{name}/.
func (h *TopicsHandler) Detail(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	topic, err := h.store.GetTopic(r.Context(), name)
	if err != nil {
		if storage.IsNotFound(err) {
			api.Error(w, http.StatusNotFound, api.ErrCodeNotFound, "topic not found")
			return
		}
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to fetch topic")
		return
	}
	api.JSON(w, http.StatusOK, topic)
}

// Delete handles POST/DELETE /topics/{name}/delete/. The cascading store
// deletion runs first; the WebSocket deletion notice is emitted afterward so
// subscribers are never told a topic is gone while its row still exists.
func (h *TopicsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.store.DeleteTopic(r.Context(), name); err != nil {
		if storage.IsNotFound(err) {
			api.Error(w, http.StatusNotFound, api.ErrCodeNotFound, "topic not found")
			return
		}
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to delete topic")
		return
	}

	h.invalidateListCache(r)
	if h.cache != nil {
		if err := h.cache.Delete(r.Context(), storage.TopicStatsKey(name)); err != nil {
			h.logger.Warn("cache invalidation failed", "key", storage.TopicStatsKey(name), "error", err)
		}
	}
	if h.notifier != nil {
		h.notifier.NotifyTopicDeleted(name)
	}

	api.JSON(w, http.StatusOK, map[string]any{"status": "deleted", "topic": name})
}

// Subscribers handles GET /topics/{name}/subscribers/.
func (h *TopicsHandler) Subscribers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	details, err := h.store.ListSubscriberDetails(r.Context(), name)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to list subscribers")
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{
		"topic":             name,
		"subscribers_count": len(details),
		"subscribers":       details,
	})
}

// Messages handles GET /topics/{name}/messages/?limit=&offset=.
func (h *TopicsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.Error(w, http.StatusBadRequest, api.ErrCodeInvalidRequest, "offset must be >= 0")
			return
		}
		offset = n
	}

	topic, err := h.store.GetTopic(r.Context(), name)
	if err != nil {
		if storage.IsNotFound(err) {
			api.Error(w, http.StatusNotFound, api.ErrCodeNotFound, "topic not found")
			return
		}
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to fetch topic")
		return
	}

	messages, err := h.store.ListMessages(r.Context(), name, limit, offset)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to list messages")
		return
	}

	api.JSON(w, http.StatusOK, map[string]any{
		"topic":       name,
		"messages":    messages,
		"total_count": topic.MessageCount,
		"limit":       limit,
		"offset":      offset,
	})
}

func (h *TopicsHandler) invalidateListCache(r *http.Request) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(r.Context(), storage.TopicsKey); err != nil {
		h.logger.Warn("cache invalidation failed", "key", storage.TopicsKey, "error", err)
	}
}
