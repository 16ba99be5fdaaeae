package handlers

import (
	"net/http"

	"github.com/relaymesh/broker/internal/api"
	"github.com/relaymesh/broker/internal/storage"
)

// TopicStats is the message/subscription counters reported for one topic.
type TopicStats struct {
	Messages    int64 `json:"messages"`
	Subscribers int   `json:"subscribers"`
}

// StatsResponse is the JSON body returned by GET /stats/.
type StatsResponse struct {
	Topics map[string]TopicStats `json:"topics"`
}

// StatsHandler implements GET /stats/: a per-topic breakdown of message and
// subscription counts, read straight from the durable store's authoritative
// counters.
type StatsHandler struct {
	store storage.Store
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(store storage.Store) *StatsHandler {
	return &StatsHandler{store: store}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics, err := h.store.ListTopics(r.Context())
	if err != nil {
		api.Error(w, http.StatusInternalServerError, api.ErrCodeInternalError, "failed to list topics")
		return
	}

	resp := StatsResponse{Topics: make(map[string]TopicStats, len(topics))}
	for _, t := range topics {
		resp.Topics[t.Name] = TopicStats{
			Messages:    t.MessageCount,
			Subscribers: t.SubscriberCount,
		}
	}

	api.JSON(w, http.StatusOK, resp)
}
