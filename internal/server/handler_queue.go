package server

import (
	"net/http"

	"github.com/me/zoneq/pkg/model"
)

type queueResponse struct {
	ID      string             `json:"id"`
	Status  model.QueueStatus  `json:"status"`
	Metrics model.QueueMetrics `json:"metrics"`
}

func (s *Server) queueState() queueResponse {
	return queueResponse{
		ID:      s.queue.ID(),
		Status:  s.queue.Status(),
		Metrics: s.queue.Metrics(),
	}
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.queueState())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "pause", s.queue.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resume", s.queue.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "cancel", s.queue.Cancel)
}

// control runs a queue-wide command and answers with the resulting state.
func (s *Server) control(w http.ResponseWriter, r *http.Request, name string, fn func() error) {
	reqID := RequestIDFromContext(r.Context())
	if err := fn(); err != nil {
		s.logger.Warn("queue command rejected", "command", name, "error", err, "request_id", reqID)
		respondQueueError(w, reqID, err)
		return
	}
	s.logger.Info("queue command", "command", name, "request_id", reqID)
	respondOK(w, reqID, s.queueState())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.queue.Workers())
}

func (s *Server) handleUtilization(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.queue.Utilization())
}
