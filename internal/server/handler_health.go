package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/tiersched/pkg/model"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	GoVersion string            `json:"go_version"`
	Uptime    string            `json:"uptime"`
	Scheduler string            `json:"scheduler"`
	Store     string            `json:"store"`
	Backends  map[string]string `json:"backends"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	state := "running"
	switch {
	case s.sched.IsDisabled():
		state = "disabled"
	case s.sched.CodeCacheFull():
		state = "code_cache_full"
	case !s.sched.ShouldCompileNewJobs():
		state = "new_jobs_stopped"
	}
	storeState := "none"
	if s.store != nil {
		storeState = "sqlite"
	}
	backends := make(map[string]string, model.NumClasses)
	for _, c := range model.Classes() {
		backends[c.String()] = "unavailable"
		if s.sched.HasBackend(c) {
			backends[c.String()] = "available"
		}
	}

	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: state,
		Store:     storeState,
		Backends:  backends,
	})
}
