package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/zoneq/pkg/model"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	GoVersion string            `json:"go_version"`
	Uptime    string            `json:"uptime"`
	Queue     model.QueueStatus `json:"queue"`
	Workers   int               `json:"workers"`
	Store     string            `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	storeState := "disabled"
	if s.store != nil {
		storeState = "sqlite"
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Queue:     s.queue.Status(),
		Workers:   len(s.queue.Workers()),
		Store:     storeState,
	})
}
