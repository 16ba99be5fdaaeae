package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/broker/internal/api/middleware"
)

// RouterConfig holds all dependencies required to build the admin HTTP
// router. Handler fields that are nil receive a "not implemented" stub,
// letting the router be assembled incrementally.
type RouterConfig struct {
	// AllowedOrigins for CORS. Use ["*"] during development.
	AllowedOrigins []string

	HealthHandler      http.Handler // GET  /health/
	StatsHandler       http.Handler // GET  /stats/
	ListTopicsHandler  http.Handler // GET  /topics/
	CreateTopicHandler http.Handler // POST /topics/create/
	TopicDetailHandler http.Handler // GET  /topics/{name}/
	DeleteTopicHandler http.Handler // POST,DELETE /topics/{name}/delete/
	SubscribersHandler http.Handler // GET  /topics/{name}/subscribers/
	MessagesHandler    http.Handler // GET  /topics/{name}/messages/
}

// NewRouter builds the *mux.Router serving the broker's HTTP control plane.
func NewRouter(cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()

	// ---- Global middleware (applied to every route) -----------------------
	// Order matters: outermost runs first.
	r.Use(middleware.RecoveryMiddleware)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(middleware.BodyLimitMiddleware)

	r.Handle("/health/", handlerOrStub(cfg.HealthHandler)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/stats/", handlerOrStub(cfg.StatsHandler)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/topics/", handlerOrStub(cfg.ListTopicsHandler)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/topics/create/", handlerOrStub(cfg.CreateTopicHandler)).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/topics/{name}/", handlerOrStub(cfg.TopicDetailHandler)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/topics/{name}/delete/", handlerOrStub(cfg.DeleteTopicHandler)).Methods(http.MethodPost, http.MethodDelete, http.MethodOptions)
	r.Handle("/topics/{name}/subscribers/", handlerOrStub(cfg.SubscribersHandler)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/topics/{name}/messages/", handlerOrStub(cfg.MessagesHandler)).Methods(http.MethodGet, http.MethodOptions)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// handlerOrStub returns the provided handler if non-nil, otherwise a stub
// that responds with 501 Not Implemented.
func handlerOrStub(h http.Handler) http.Handler {
	if h != nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Error(w, http.StatusNotImplemented, "not_implemented", "this endpoint is not yet implemented")
	})
}
