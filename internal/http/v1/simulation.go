package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/VerteraIO/cpusim/internal/controlplane/units"
)

type simulationResp struct {
	Running      bool   `json:"running"`
	Tick         uint64 `json:"tick"`
	TickPeriodMs int64  `json:"tickPeriodMs"`
}

func (a *api) simulationState() simulationResp {
	return simulationResp{
		Running:      a.Engine.SimulationRunning(),
		Tick:         a.Engine.CurrentTick(),
		TickPeriodMs: a.Engine.TickPeriod().Milliseconds(),
	}
}

// getSimulation handles GET /simulation
func (a *api) getSimulation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.simulationState())
}

// toggleSimulation handles POST /simulation/toggle
func (a *api) toggleSimulation(w http.ResponseWriter, r *http.Request) {
	running := a.Engine.ToggleSimulation()
	a.Logger.Info("simulation toggled", "running", running)
	writeJSON(w, http.StatusOK, a.simulationState())
}

// getHistory handles GET /history
func (a *api) getHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.Engine.GetHistory()})
}

// getHistoryArchive handles GET /history/archive?limit=
func (a *api) getHistoryArchive(w http.ResponseWriter, r *http.Request) {
	if a.Store == nil {
		http.Error(w, "tick archive disabled", http.StatusNotFound)
		return
	}
	limit, err := parseLimit(r, 600)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	samples, err := a.Store.RecentSamples(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read archive: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": samples})
}

// getStats handles GET /stats
func (a *api) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Engine.GetStats())
}

// getScheduler handles GET /scheduler
func (a *api) getScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Engine.SchedulerInfo())
}

// streamTicks handles GET /stream as server-sent events, one "tick" event
// per published snapshot, starting with the latest one. Slow readers miss snapshots rather than stall
// the engine.
func (a *api) streamTicks(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := a.Engine.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if snap, ok := a.Engine.LatestSnapshot(); ok {
		if err := writeEvent(w, snap); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				a.Logger.Debug("stream closed", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, snap units.TickSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: tick\ndata: %s\n\n", snap.Tick, b)
	return err
}
