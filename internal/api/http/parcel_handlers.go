package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/notary-node/notary-node/internal/domain/item"
	"github.com/notary-node/notary-node/internal/domain/parcel"
	"github.com/notary-node/notary-node/internal/node"
)

type parcelSubmitResponse struct {
	ParcelID string             `json:"parcel_id"`
	TraceID  string             `json:"trace_id"`
	Payment  parcelItemResponse `json:"payment"`
	Payload  parcelItemResponse `json:"payload"`
}

type parcelItemResponse struct {
	ItemID string             `json:"item_id"`
	State  string             `json:"state"`
	Errors []item.ErrorRecord `json:"errors,omitempty"`
}

// submitParcel registers a payment-plus-payload pair. With ?wait=true the
// call blocks until both items settle or the server-side wait budget.
func (s *Server) submitParcel(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	pcl, err := parcel.Unpack(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := pcl.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}

	proc := s.node.RegisterParcel(r.Context(), pcl)
	resp := parcelSubmitResponse{
		ParcelID: pcl.ID().String(),
		TraceID:  uuid.NewString(),
		Payment:  parcelItemResponse{ItemID: pcl.Payment.ID().String(), State: item.StatePending.String()},
		Payload:  parcelItemResponse{ItemID: pcl.Payload.ID().String(), State: item.StatePending.String()},
	}
	if wantsWait(r) {
		ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
		defer cancel()
		if res, err := proc.Done().Wait(ctx); err == nil {
			fillParcelResponse(&resp, res)
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getParcel(w http.ResponseWriter, r *http.Request) {
	id, err := item.ParseID(chi.URLParam(r, "parcelId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid parcelId")
		return
	}
	proc := s.node.ParcelProcessor(id)
	if proc == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no active processing for parcel")
		return
	}
	resp := map[string]interface{}{
		"parcel_id":  id.String(),
		"processing": proc.State().String(),
	}
	if proc.Done().Fired() {
		res := proc.Done().Value()
		resp["payment"] = parcelItemResponse{State: res.Payment.State.String(), Errors: res.Payment.Errors}
		resp["payload"] = parcelItemResponse{State: res.Payload.State.String(), Errors: res.Payload.Errors}
	}
	respondJSON(w, http.StatusOK, resp)
}

func fillParcelResponse(resp *parcelSubmitResponse, res node.ParcelResult) {
	resp.Payment.State = res.Payment.State.String()
	resp.Payment.Errors = res.Payment.Errors
	resp.Payload.State = res.Payload.State.String()
	resp.Payload.Errors = res.Payload.Errors
}
