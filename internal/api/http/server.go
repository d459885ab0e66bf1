// Package httpapi exposes the node's client surface: item and parcel
// submission, result queries, resync, and operational endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notary-node/notary-node/internal/node"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	node        *node.Node
	promGateway *prometheus.Registry
	waitTimeout time.Duration
}

func NewServer(n *node.Node, reg *prometheus.Registry, waitTimeout time.Duration) *Server {
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	return &Server{
		node:        n,
		promGateway: reg,
		waitTimeout: waitTimeout,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Post("/", s.submitItem)
			r.Get("/{itemId}", s.getItem)
			r.Post("/{itemId}/resync", s.resyncItem)
			r.Post("/{itemId}/emergency-break", s.breakItem)
		})
		r.Route("/parcels", func(r chi.Router) {
			r.Post("/", s.submitParcel)
			r.Get("/{parcelId}", s.getParcel)
		})
	})

	r.Get("/healthz", s.healthz)
	if s.promGateway != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promGateway, promhttp.HandlerOpts{}))
	}

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"node":   s.node.Info().Number,
	}
	if size, err := s.node.LedgerSize(r.Context()); err == nil {
		resp["records"] = size
	}
	respondJSON(w, http.StatusOK, resp)
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func wantsWait(r *http.Request) bool {
	return r.URL.Query().Get("wait") == "true"
}
