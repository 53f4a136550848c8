package httpserver

import (
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/VerteraIO/cpusim/internal/controlplane/engine"
	v1 "github.com/VerteraIO/cpusim/internal/http/v1"
)

func newTestServer() http.Handler {
	cfg := engine.DefaultConfig()
	cfg.Rand = rand.New(rand.NewPCG(1, 2))
	return NewServer(v1.Deps{Engine: engine.New(cfg)})
}

func TestAPIPrefixEnforced(t *testing.T) {
	s := newTestServer()

	// Unversioned path should 404
	req := httptest.NewRequest(http.MethodGet, "/units", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unversioned path, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("expected JSON 404 hint, got content type %q", ct)
	}

	// Versioned path should 200
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/units", nil)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 for versioned path, got %d", rec2.Code)
	}
}

func TestRootDocsRedirect(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/docs/index.html" {
		t.Fatalf("unexpected redirect target %q", loc)
	}
}
