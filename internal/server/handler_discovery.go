package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	QueueID     string         `json:"queue_id"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "zoneq API",
		Version:     "v1",
		Description: "Zone processing queue: enqueue document zones, control the queue and follow its progress",
		QueueID:     s.queue.ID(),
		Endpoints: []endpointInfo{
			{"/api/v1/queue", []string{"GET"}, "Queue status and metrics"},
			{"/api/v1/queue/pause", []string{"POST"}, "Stop dispatching new zones"},
			{"/api/v1/queue/resume", []string{"POST"}, "Resume dispatching"},
			{"/api/v1/queue/cancel", []string{"POST"}, "Cancel every unfinished zone"},
			{"/api/v1/queue/zones", []string{"GET", "POST"}, "List queued zones (?status=) or enqueue zones with tool assignments"},
			{"/api/v1/queue/zones/{id}", []string{"GET"}, "Single queued zone with its attempts"},
			{"/api/v1/queue/zones/{id}/cancel", []string{"POST"}, "Cancel one zone and its dependents"},
			{"/api/v1/queue/zones/{id}/retry", []string{"POST"}, "Requeue a failed zone"},
			{"/api/v1/queue/zones/{id}/priority", []string{"PUT"}, "Override a zone's priority"},
			{"/api/v1/queue/workers", []string{"GET"}, "Worker pool state"},
			{"/api/v1/queue/utilization", []string{"GET"}, "Resource budget usage"},
			{"/api/v1/queue/events", []string{"GET"}, "Server-Sent Events stream of queue events"},
			{"/api/v1/snapshots", []string{"GET", "POST"}, "List stored snapshots or save the current queue"},
			{"/api/v1/snapshots/{id}", []string{"GET", "DELETE"}, "Single snapshot"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
