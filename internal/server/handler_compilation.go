package server

import (
	"net/http"

	"github.com/me/tiersched/internal/logging"
)

// handleSetNewJobs stops or resumes new compilations.
// PUT /api/v1/compilation/new-jobs
func (s *Server) handleSetNewJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	if req.Enabled {
		if err := s.sched.EnableNewJobs(); err != nil {
			respondErr(w, reqID, err)
			return
		}
	} else {
		s.sched.StopNewJobs()
	}
	respondOK(w, reqID, map[string]any{"new_jobs": s.sched.ShouldCompileNewJobs()})
}

// handleDisable shuts compilation down for the rest of the process.
// POST /api/v1/compilation/disable
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	s.sched.DisableForever()
	s.logger.Warn("compilation disabled via API", "request_id", reqID)
	respondOK(w, reqID, map[string]any{"disabled": true})
}

// handleReclaim runs code cache reclamation.
// POST /api/v1/codecache/reclaim
func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	freed := s.sched.ReclaimCodeCache()
	s.logger.Info("code cache reclaimed via API", logging.Bytes("freed", freed))
	respondOK(w, reqID, map[string]any{
		"freed":    freed,
		"new_jobs": s.sched.ShouldCompileNewJobs(),
	})
}
