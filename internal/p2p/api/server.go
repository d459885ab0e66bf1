// Package api serves the peer-facing HTTP surface: notification ingest and
// item/parcel body downloads.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/network"
	"github.com/notary-node/notary-node/internal/p2p/protocol"
)

// Server provides HTTP endpoints for peer traffic.
type Server struct {
	handler network.Handler
	log     zerolog.Logger
}

func NewServer(handler network.Handler, log zerolog.Logger) *Server {
	return &Server{
		handler: handler,
		log:     log.With().Str("service", "p2p-api").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Route("/p2p/v1", func(r chi.Router) {
		r.Post("/notify", s.notify)
		r.Get("/items/{itemId}", s.getItem)
		r.Get("/parcels/{parcelId}", s.getParcel)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// notify verifies the envelope signature and hands the notification to the
// node. Dispatch is asynchronous; the sender only learns the message was
// accepted.
func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if err := decodeBody(r, &env); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := env.Verify(); err != nil {
		respondError(w, http.StatusUnauthorized, "BAD_SIGNATURE", err.Error())
		return
	}
	n, err := env.Notification()
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	go s.handler.OnNotification(n)
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ACCEPTED"})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := item.ParseID(chi.URLParam(r, "itemId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid itemId")
		return
	}
	it := s.handler.FindItem(id)
	if it == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "item not found")
		return
	}
	respondJSON(w, http.StatusOK, it)
}

func (s *Server) getParcel(w http.ResponseWriter, r *http.Request) {
	id, err := item.ParseID(chi.URLParam(r, "parcelId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid parcelId")
		return
	}
	pcl := s.handler.FindParcel(id)
	if pcl == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "parcel not found")
		return
	}
	respondJSON(w, http.StatusOK, pcl)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
