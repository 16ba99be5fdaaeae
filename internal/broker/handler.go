package broker

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/broker/internal/registry"
	"github.com/relaymesh/broker/internal/storage"
)

// Handler upgrades HTTP requests to WebSocket connections and wires each
// accepted connection to the shared store, registry, and fan-out engine.
type Handler struct {
	store       storage.Store
	registry    *registry.Registry
	fanout      *Fanout
	upgrader    websocket.Upgrader
	maxMsgBytes int
	logger      *slog.Logger
}

// NewHandler creates a Handler. allowedOrigins of ["*"] disables origin
// checking entirely; any other list is matched against the request's
// Origin header.
func NewHandler(store storage.Store, reg *registry.Registry, fanout *Fanout, allowedOrigins []string, maxMsgBytes int, logger *slog.Logger) *Handler {
	checkOrigin := func(r *http.Request) bool { return true }
	if !(len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = struct{}{}
		}
		checkOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}

	return &Handler{
		store:    store,
		registry: reg,
		fanout:   fanout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		maxMsgBytes: maxMsgBytes,
		logger:      logger.With("component", "broker-handler"),
	}
}

// ServeHTTP upgrades the connection and runs its read/write pumps until
// the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c, err := NewConnection(r.Context(), conn, h.store, h.registry, h.fanout, r.RemoteAddr, r.UserAgent(), h.maxMsgBytes, h.logger)
	if err != nil {
		h.logger.Error("accept connection failed", "error", err, "remote_addr", r.RemoteAddr)
		_ = conn.Close()
		return
	}

	go c.WritePump()
	c.ReadPump(r.Context())
}
