package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/notary-node/notary-node/internal/domain/item"
)

type itemSubmitResponse struct {
	ItemID  string             `json:"item_id"`
	TraceID string             `json:"trace_id"`
	State   string             `json:"state"`
	Errors  []item.ErrorRecord `json:"errors,omitempty"`
}

// submitItem registers a standalone item for consensus. With ?wait=true the
// call blocks until the verdict or the server-side wait budget.
func (s *Server) submitItem(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	it, err := item.UnpackBasic(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}

	traceID := uuid.NewString()
	proc := s.node.RegisterItem(r.Context(), it)

	resp := itemSubmitResponse{
		ItemID:  it.ID().String(),
		TraceID: traceID,
		State:   item.StatePending.String(),
	}
	if wantsWait(r) {
		ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
		defer cancel()
		if res, err := proc.Done().Wait(ctx); err == nil {
			resp.State = res.State.String()
			resp.Errors = res.Errors
		} else {
			resp.State = proc.Result().State.String()
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseItemIDParam(r, "itemId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid itemId")
		return
	}
	if proc := s.node.ItemProcessor(id); proc != nil {
		res := proc.Result()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"item_id":    id.String(),
			"processing": proc.State().String(),
			"state":      res.State.String(),
			"errors":     res.Errors,
		})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()
	res, err := s.node.WaitItem(ctx, id)
	if err != nil {
		// An unknown item stalls waiting for sources; treat it as absent.
		respondError(w, http.StatusNotFound, "NOT_FOUND", "item not found")
		return
	}
	if !res.IsKnown() {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "item not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"item_id": id.String(),
		"state":   res.State.String(),
		"errors":  res.Errors,
	})
}

// resyncItem asks peers for the item's state and repairs the local ledger.
func (s *Server) resyncItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseItemIDParam(r, "itemId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid itemId")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()
	res, err := s.node.Resync(ctx, id)
	if err != nil {
		respondError(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"item_id": id.String(),
		"state":   res.State.String(),
	})
}

func (s *Server) breakItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseItemIDParam(r, "itemId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid itemId")
		return
	}
	proc := s.node.ItemProcessor(id)
	if proc == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no active processing for item")
		return
	}
	proc.EmergencyBreak()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"item_id": id.String(),
		"state":   item.StateUndefined.String(),
	})
}

func parseItemIDParam(r *http.Request, key string) (item.ID, error) {
	return item.ParseID(chi.URLParam(r, key))
}
