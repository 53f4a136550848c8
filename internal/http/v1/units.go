package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VerteraIO/cpusim/internal/controlplane/engine"
	"github.com/VerteraIO/cpusim/internal/controlplane/units"
)

type createUnitReq struct {
	Name             string `json:"name,omitempty"`
	Priority         string `json:"priority,omitempty"`
	TargetDurationMs int64  `json:"targetDurationMs,omitempty"`
	ParentID         string `json:"parentId,omitempty"`
}

type setPriorityReq struct {
	Priority string `json:"priority"`
}

// commandResp reports the unit after a command; Changed is false for no-ops.
type commandResp struct {
	Changed bool       `json:"changed"`
	Unit    units.Unit `json:"unit"`
}

type bulkResp struct {
	Affected int `json:"affected"`
}

// listUnits handles GET /units
func (a *api) listUnits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.Engine.ListUnits()})
}

// getUnit handles GET /units/{unitId}
func (a *api) getUnit(w http.ResponseWriter, r *http.Request) {
	u, ok := a.Engine.GetUnit(chi.URLParam(r, "unitId"))
	if !ok {
		http.Error(w, "unit not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// createUnit handles POST /units. An empty body creates a fully random unit.
func (a *api) createUnit(w http.ResponseWriter, r *http.Request) {
	var req createUnitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	opts := engine.CreateOptions{Name: req.Name, ParentID: req.ParentID}
	if req.Priority != "" {
		p, err := units.ParsePriority(req.Priority)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.Priority = p
	}
	if req.TargetDurationMs < 0 {
		http.Error(w, "targetDurationMs must be positive", http.StatusBadRequest)
		return
	}
	opts.TargetDuration = time.Duration(req.TargetDurationMs) * time.Millisecond

	u := a.Engine.CreateUnit(opts)
	w.Header().Set("Location", fmt.Sprintf("/api/v1/units/%s", u.ID))
	writeJSON(w, http.StatusCreated, u)
}

// deleteUnit handles DELETE /units/{unitId}?cascade=false
func (a *api) deleteUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "unitId")
	cascade := true
	if v := r.URL.Query().Get("cascade"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "cascade must be a boolean", http.StatusBadRequest)
			return
		}
		cascade = b
	}
	if cascade {
		a.Engine.DeleteUnit(id)
	} else {
		a.Engine.DeleteUnitKeepChildren(id)
	}
	// deleting an unknown id is a no-op, not an error
	w.WriteHeader(http.StatusNoContent)
}

// unitCommand adapts a single-unit transition into a handler.
func (a *api) unitCommand(cmd func(id string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "unitId")
		changed := cmd(id)
		u, ok := a.Engine.GetUnit(id)
		if !ok {
			http.Error(w, "unit not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, commandResp{Changed: changed, Unit: u})
	}
}

func (a *api) bulkCommand(cmd func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, bulkResp{Affected: cmd()})
	}
}

// setPriority handles PUT /units/{unitId}/priority
func (a *api) setPriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "unitId")
	var req setPriorityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	p, err := units.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	changed := a.Engine.SetPriority(id, p)
	u, ok := a.Engine.GetUnit(id)
	if !ok {
		http.Error(w, "unit not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, commandResp{Changed: changed, Unit: u})
}

// getUnitTimeline handles GET /units/{unitId}/timeline?limit=
func (a *api) getUnitTimeline(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		http.Error(w, "tick archive disabled", http.StatusNotFound)
		return
	}
	limit, err := parseLimit(r, 60)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	points, err := a.Store.UnitTimeline(r.Context(), chi.URLParam(r, "unitId"), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read timeline: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": points})
}

func parseLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}
