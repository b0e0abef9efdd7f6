package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/zoneq/pkg/model"
)

// requireStore answers 503 when the server runs without a snapshot store.
func (s *Server) requireStore(w http.ResponseWriter, reqID string) bool {
	if s.store != nil {
		return true
	}
	respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{
		Code:    model.CodeInternal,
		Message: "snapshot store is not configured",
	})
	return false
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}

	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.CodeValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	snap := s.queue.Snapshot(req.Label)
	if err := s.store.SaveSnapshot(r.Context(), &snap); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.CodeInternal, Message: err.Error()})
		return
	}
	s.logger.Info("snapshot saved", "snapshot_id", snap.ID, "zones", len(snap.Zones), "request_id", reqID)
	respondCreated(w, reqID, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	snaps, total, err := s.store.ListSnapshots(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.CodeInternal, Message: err.Error()})
		return
	}
	if snaps == nil {
		snaps = []*model.Snapshot{}
	}
	respondList(w, reqID, snaps, pagination(opts, total))
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}
	id := chi.URLParam(r, "id")

	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.CodeInternal, Message: err.Error()})
		return
	}
	if snap == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewResourceNotFound("snapshot", id))
		return
	}
	respondOK(w, reqID, snap)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if !s.requireStore(w, reqID) {
		return
	}
	id := chi.URLParam(r, "id")

	if err := s.store.DeleteSnapshot(r.Context(), id); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			&model.APIError{Code: model.CodeInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, map[string]string{"deleted": id})
}
