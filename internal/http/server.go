package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/VerteraIO/cpusim/internal/http/v1"
)

// NewServer builds the root router and mounts all versioned subrouters under /api/{version}.
func NewServer(deps v1.Deps) http.Handler {
	r := chi.NewRouter()

	// Global middlewares. Request timeouts are applied per subtree so the
	// event stream can stay open.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Root-level docs: redirect to Swagger UI for v1
	r.Get("/docs", serveRootDocs)

	// Default 404: nudge callers toward versioned paths
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Use a versioned path like /api/v1/units","supported":["v1"]}`))
	})

	// Mount versioned APIs
	r.Route("/api", func(api chi.Router) {
		api.Mount("/v1", v1.Router(deps))
	})

	return r
}

func serveRootDocs(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/api/v1/docs/index.html", http.StatusFound)
}
