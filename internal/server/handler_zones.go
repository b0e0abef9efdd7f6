package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/zoneq/pkg/model"
)

type enqueueRequest struct {
	Zones       []model.Zone           `json:"zones"`
	Assignments []model.ToolAssignment `json:"assignments"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.CodeValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if len(req.Zones) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "zones", Message: "at least one zone is required"}))
		return
	}
	for i, z := range req.Zones {
		if z.ID == "" {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("missing required field",
					model.FieldError{Field: "zones[" + strconv.Itoa(i) + "].id", Message: "zone id is required"}))
			return
		}
	}

	ids, err := s.queue.Enqueue(r.Context(), req.Zones, req.Assignments)
	if err != nil {
		respondQueueError(w, reqID, err)
		return
	}
	s.logger.Info("zones enqueued", "count", len(ids), "request_id", reqID)
	respondCreated(w, reqID, map[string]any{"queued_zone_ids": ids})
}

// handleListZones lists queued zones in enqueue order. ?status= filters by
// zone status; limit and offset page the result.
func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	all := s.queue.Zones()
	zones := make([]model.QueuedZone, 0, len(all))
	for _, qz := range all {
		if opts.Status == "" || string(qz.Status) == opts.Status {
			zones = append(zones, qz)
		}
	}
	total := len(zones)
	page := zones[min(opts.Offset, total):min(opts.Offset+opts.Limit, total)]
	respondList(w, reqID, page, pagination(opts, total))
}

func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	qz, ok := s.queue.Zone(id)
	if !ok {
		respondQueueError(w, reqID, model.NewNotFoundError(id))
		return
	}
	respondOK(w, reqID, qz)
}

func (s *Server) handleCancelZone(w http.ResponseWriter, r *http.Request) {
	s.zoneCommand(w, r, "cancel", s.queue.CancelZone)
}

func (s *Server) handleRetryZone(w http.ResponseWriter, r *http.Request) {
	s.zoneCommand(w, r, "retry", s.queue.RetryZone)
}

func (s *Server) handleUpdatePriority(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Priority *float64 `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.CodeValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if req.Priority == nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "priority", Message: "priority is required"}))
		return
	}
	s.zoneCommand(w, r, "priority", func(id string) error {
		return s.queue.UpdatePriority(id, *req.Priority)
	})
}

// zoneCommand runs a per-zone command and answers with the zone afterwards.
func (s *Server) zoneCommand(w http.ResponseWriter, r *http.Request, name string, fn func(id string) error) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := fn(id); err != nil {
		respondQueueError(w, reqID, err)
		return
	}
	s.logger.Info("zone command", "command", name, "queued_zone_id", id, "request_id", reqID)
	qz, _ := s.queue.Zone(id)
	respondOK(w, reqID, qz)
}

// listOptions reads limit, offset and status query parameters.
func listOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()
	opts.Status = q.Get("status")
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("invalid query parameter",
				model.FieldError{Field: p.name, Message: "must be an integer"})
		}
		*p.dst = n
	}
	opts.Clamp()
	return opts, nil
}
