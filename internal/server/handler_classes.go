package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/tiersched/pkg/model"
)

func (s *Server) handleListClasses(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	withTasks := r.URL.Query().Get("tasks") == "true"
	respondOK(w, reqID, s.sched.Classes(withTasks))
}

func (s *Server) handleGetClass(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	class, err := model.ParseTierClass(chi.URLParam(r, "class"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	info, err := s.sched.ClassInfo(class, true)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, info)
}

// handleSetWorkers changes the maximum worker count of a class.
// PUT /api/v1/classes/{class}/workers
func (s *Server) handleSetWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	class, err := model.ParseTierClass(chi.URLParam(r, "class"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}

	var req struct {
		MaxWorkers int `json:"max_workers"`
	}
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	if err := s.sched.SetCompilerThreadCounts(class, req.MaxWorkers); err != nil {
		respondErr(w, reqID, err)
		return
	}
	info, _ := s.sched.ClassInfo(class, false)
	respondOK(w, reqID, info)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.sched.Stats().Snapshot(time.Now()))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	data, err := s.sched.Config().Marshal()
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"yaml": string(data)})
}
