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
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "tiersched API",
		Version:     "v1",
		Description: "Tiered compilation scheduler administration",
		Endpoints: []endpointInfo{
			{"/api/v1/classes", []string{"GET"}, "Queues and worker pools of every backend class. ?tasks=true lists queued tasks"},
			{"/api/v1/classes/{class}", []string{"GET"}, "Queue and worker pool of one class (baseline, optimizing)"},
			{"/api/v1/classes/{class}/workers", []string{"PUT"}, "Change the maximum worker count"},
			{"/api/v1/stats", []string{"GET"}, "Compilation counters by tier"},
			{"/api/v1/config", []string{"GET"}, "Active scheduler configuration (YAML)"},
			{"/api/v1/compilation/new-jobs", []string{"PUT"}, "Stop or resume new compilations"},
			{"/api/v1/compilation/disable", []string{"POST"}, "Disable compilation forever"},
			{"/api/v1/codecache/reclaim", []string{"POST"}, "Reclaim code cache space"},
			{"/api/v1/units/{id}", []string{"GET"}, "Unit counters, installed tiers and compilability"},
			{"/api/v1/units/{id}/compile", []string{"POST"}, "Request a compilation of a unit"},
			{"/api/v1/runs", []string{"GET"}, "Recorded scheduler runs"},
			{"/api/v1/runs/{id}/summary", []string{"GET"}, "Retired tasks of a run by state and tier"},
			{"/api/v1/history", []string{"GET"}, "Retired compile tasks (?run_id, ?state, ?limit, ?offset)"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
