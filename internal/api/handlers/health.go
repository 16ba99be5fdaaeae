package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/relaymesh/broker/internal/api"
	"github.com/relaymesh/broker/internal/storage"
)

// ServiceStatus represents the health of a single backing service.
type ServiceStatus struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the JSON body returned by GET /health/.
type HealthResponse struct {
	Status      string                   `json:"status"`
	UptimeSec   int64                    `json:"uptime_sec"`
	Topics      int                      `json:"topics"`
	Subscribers int                      `json:"subscribers"`
	Services    map[string]ServiceStatus `json:"services"`
}

// PingFunc checks connectivity to a backing service. It returns nil when the
// service is reachable.
type PingFunc func(ctx context.Context) error

// HealthHandler implements GET /health/. It pings PostgreSQL and Redis
// concurrently and reports topic/subscription counts from the durable
// store, so a topic with zero live WebSocket subscribers is still counted.
type HealthHandler struct {
	pgPing    PingFunc
	redisPing PingFunc
	store     storage.Store
	startedAt time.Time
}

// NewHealthHandler creates a HealthHandler. startedAt is the process start
// time, used to compute uptime_sec.
func NewHealthHandler(pgPing, redisPing PingFunc, store storage.Store, startedAt time.Time) *HealthHandler {
	return &HealthHandler{
		pgPing:    pgPing,
		redisPing: redisPing,
		store:     store,
		startedAt: startedAt,
	}
}

// ServeHTTP pings backing services concurrently and returns 200 when
// PostgreSQL (the durable store) is reachable, 503 otherwise. Redis is
// advisory cache only and never affects the aggregate status.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make(map[string]ServiceStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	pings := map[string]PingFunc{
		"postgresql": h.pgPing,
		"redis":      h.redisPing,
	}
	for name, ping := range pings {
		if ping == nil {
			services[name] = ServiceStatus{Status: "not_configured"}
			continue
		}
		wg.Add(1)
		go func(name string, ping PingFunc) {
			defer wg.Done()

			start := time.Now()
			err := ping(ctx)
			latency := time.Since(start).Milliseconds()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				services[name] = ServiceStatus{Status: "unhealthy", LatencyMS: latency, Error: err.Error()}
			} else {
				services[name] = ServiceStatus{Status: "healthy", LatencyMS: latency}
			}
		}(name, ping)
	}
	wg.Wait()

	var topicCount, subscriberCount int
	if topics, err := h.store.ListTopics(ctx); err == nil {
		topicCount = len(topics)
		for _, t := range topics {
			subscriberCount += t.SubscriberCount
		}
	}

	resp := HealthResponse{
		UptimeSec:   int64(time.Since(h.startedAt).Seconds()),
		Topics:      topicCount,
		Subscribers: subscriberCount,
		Services:    services,
	}

	if pg, ok := services["postgresql"]; ok && pg.Status == "unhealthy" {
		resp.Status = "degraded"
		api.JSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = "healthy"
	api.JSON(w, http.StatusOK, resp)
}
