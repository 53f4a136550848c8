package v1

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	openapi "github.com/VerteraIO/cpusim/api/openapi"
	"github.com/VerteraIO/cpusim/internal/controlplane/engine"
	"github.com/VerteraIO/cpusim/internal/controlplane/stores"
	"github.com/VerteraIO/cpusim/internal/security/auth"
)

// Deps are the components the v1 handlers operate on. Store may be nil
// (archive disabled); an empty JWTSecret disables bearer auth.
type Deps struct {
	Engine    *engine.Engine
	Store     *stores.Stores
	JWTSecret []byte
	TokenTTL  time.Duration
	Logger    *slog.Logger
}

type api struct {
	Deps
}

// Router returns the chi.Router for REST API v1.
func Router(d Deps) chi.Router {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.TokenTTL <= 0 {
		d.TokenTTL = 15 * time.Minute
	}
	a := &api{Deps: d}
	r := chi.NewRouter()

	// Long-lived; kept outside the request timeout.
	r.Get("/stream", a.streamTicks)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Docs (Swagger UI) and OpenAPI document under the versioned prefix
		r.Get("/docs/*", httpSwagger.Handler(
			httpSwagger.URL("/api/v1/openapi.yaml"),
		))
		r.Get("/openapi.yaml", serveOpenAPIStaticAsset)

		// Queries
		r.Get("/units", a.listUnits)
		r.Get("/units/{unitId}", a.getUnit)
		r.Get("/units/{unitId}/timeline", a.getUnitTimeline)
		r.Get("/simulation", a.getSimulation)
		r.Get("/history", a.getHistory)
		r.Get("/history/archive", a.getHistoryArchive)
		r.Get("/stats", a.getStats)
		r.Get("/scheduler", a.getScheduler)

		r.Post("/auth/token", a.issueToken)

		// Commands
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireBearer(d.JWTSecret))

			r.Post("/units", a.createUnit)
			r.Delete("/units/{unitId}", a.deleteUnit)
			r.Post("/units/{unitId}/pause", a.unitCommand(d.Engine.Pause))
			r.Post("/units/{unitId}/resume", a.unitCommand(d.Engine.Resume))
			r.Post("/units/{unitId}/stop", a.unitCommand(d.Engine.Stop))
			r.Put("/units/{unitId}/priority", a.setPriority)

			r.Post("/units/pause-all", a.bulkCommand(d.Engine.PauseAll))
			r.Post("/units/resume-all", a.bulkCommand(d.Engine.ResumeAll))
			r.Post("/units/stop-all", a.bulkCommand(d.Engine.StopAll))

			r.Post("/simulation/toggle", a.toggleSimulation)
		})
	})

	return r
}

func serveOpenAPIStaticAsset(w http.ResponseWriter, r *http.Request) {
	data, err := openapi.FS.ReadFile("v1/cpusim.yaml")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read OpenAPI document: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
