package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/tiersched/internal/scheduler"
	"github.com/me/tiersched/pkg/model"
)

type unitResponse struct {
	ID          model.UnitID            `json:"id"`
	Name        string                  `json:"name"`
	Size        int                     `json:"size"`
	Invocations int64                   `json:"invocations"`
	Backedges   int64                   `json:"backedges"`
	Profiling   bool                    `json:"profiling"`
	Queued      bool                    `json:"queued"`
	Tiers       map[string]model.Tier   `json:"tiers"`
	Compilable  map[string][]model.Tier `json:"compilable"`
}

// lookupUnit resolves the {id} URL parameter, writing the error response
// when the unit is unknown.
func (s *Server) lookupUnit(w http.ResponseWriter, r *http.Request, reqID string) *model.CompilationUnit {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid unit id",
			model.FieldError{Field: "id", Message: "must be an unsigned integer"}))
		return nil
	}
	var u *model.CompilationUnit
	if s.units != nil {
		u = s.units.Unit(model.UnitID(id))
	}
	if u == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("unit", raw))
		return nil
	}
	return u
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	u := s.lookupUnit(w, r, reqID)
	if u == nil {
		return
	}

	resp := unitResponse{
		ID:          u.ID,
		Name:        u.Name,
		Size:        u.Size,
		Invocations: u.Invocations(),
		Backedges:   u.Backedges(),
		Profiling:   u.ProfilingStarted(),
		Queued:      u.IsQueued(),
		Tiers:       map[string]model.Tier{},
		Compilable:  map[string][]model.Tier{},
	}
	for _, entry := range []model.EntryKind{model.EntryStandard, model.EntryOSR} {
		resp.Tiers[entry.String()] = u.CurrentTier(entry)
		tiers := []model.Tier{}
		for t := model.TierSimple; t <= model.TierMax; t++ {
			if s.sched.IsCompilable(u, t, entry) {
				tiers = append(tiers, t)
			}
		}
		resp.Compilable[entry.String()] = tiers
	}
	respondOK(w, reqID, resp)
}

// handleCompileUnit requests a compilation of a unit outside the policy.
// POST /api/v1/units/{id}/compile
func (s *Server) handleCompileUnit(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	u := s.lookupUnit(w, r, reqID)
	if u == nil {
		return
	}

	var req struct {
		Tier       model.Tier        `json:"tier"`
		Entry      string            `json:"entry"`
		OSRIndex   int               `json:"osr_index"`
		Blocking   bool              `json:"blocking"`
		Directives map[string]string `json:"directives"`
	}
	if !decodeJSON(w, r, reqID, &req) {
		return
	}

	var details []model.FieldError
	if !req.Tier.Compiled() {
		details = append(details, model.FieldError{Field: "tier", Message: "must be between 1 and 4"})
	}
	entry := model.EntryStandard
	switch req.Entry {
	case "", "standard":
	case "osr":
		entry = model.EntryOSR
	default:
		details = append(details, model.FieldError{Field: "entry", Message: "must be 'standard' or 'osr'"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid compile request", details...))
		return
	}

	h := s.sched.Submit(r.Context(), scheduler.Request{
		Unit:       u,
		Tier:       req.Tier,
		Entry:      entry,
		OSRIndex:   req.OSRIndex,
		Reason:     model.ReasonForced,
		HotCount:   u.Events(),
		Blocking:   req.Blocking,
		Directives: req.Directives,
	})
	if h == nil {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("no task created: unit already queued, compiled at this tier or not compilable"))
		return
	}

	data := map[string]any{"task_id": h.ID}
	if req.Blocking {
		data["state"] = h.Result.State
		if err := h.Err(); err != nil {
			data["error"] = err.Error()
		}
		if h.Result.Code != nil {
			data["code"] = h.Result.Code
		}
	}
	respondCreated(w, reqID, data)
}
