package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/VerteraIO/cpusim/internal/controlplane/engine"
	"github.com/VerteraIO/cpusim/internal/controlplane/stores"
	"github.com/VerteraIO/cpusim/internal/controlplane/units"
)

func newTestEngine() *engine.Engine {
	cfg := engine.DefaultConfig()
	cfg.Rand = rand.New(rand.NewPCG(7, 11))
	cfg.StartPaused = true
	return engine.New(cfg)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUnitsCRUD(t *testing.T) {
	eng := newTestEngine()
	r := Router(Deps{Engine: eng})

	// Create
	rec := do(t, r, http.MethodPost, "/units", map[string]any{"name": "alpha", "priority": "HIGH", "targetDurationMs": 5000})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	var created units.Unit
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "alpha" || created.Priority != units.PriorityHigh || created.TargetDuration != 5*time.Second {
		t.Fatalf("unexpected unit: %+v", created)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/units/"+created.ID {
		t.Fatalf("unexpected Location %q", loc)
	}

	// Empty body creates a random unit
	rec = do(t, r, http.MethodPost, "/units", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for empty body, got %d", rec.Code)
	}

	// List
	rec = do(t, r, http.MethodGet, "/units", nil)
	var list struct {
		Items []units.Unit `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 2 || list.Items[0].ID != created.ID {
		t.Fatalf("expected 2 units in creation order, got %+v", list.Items)
	}

	// Get
	rec = do(t, r, http.MethodGet, "/units/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = do(t, r, http.MethodGet, "/units/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	// Delete
	rec = do(t, r, http.MethodDelete, "/units/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := eng.GetUnit(created.ID); ok {
		t.Fatal("unit should be gone")
	}
	rec = do(t, r, http.MethodDelete, "/units/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deleting an unknown unit should be a silent no-op, got %d", rec.Code)
	}
}

func TestCreateUnitValidation(t *testing.T) {
	r := Router(Deps{Engine: newTestEngine()})
	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{"name":`},
		{"bad priority", `{"priority":"urgent"}`},
		{"negative duration", `{"targetDurationMs":-1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/units", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestDeleteKeepChildren(t *testing.T) {
	eng := newTestEngine()
	r := Router(Deps{Engine: eng})
	parent := eng.CreateUnit(engine.CreateOptions{Name: "parent"})
	child := eng.CreateUnit(engine.CreateOptions{Name: "child", ParentID: parent.ID})

	rec := do(t, r, http.MethodDelete, "/units/"+parent.ID+"?cascade=false", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	got, ok := eng.GetUnit(child.ID)
	if !ok {
		t.Fatal("child should survive a non-cascading delete")
	}
	if got.ParentID != "" {
		t.Fatalf("expected orphaned child, got parent %q", got.ParentID)
	}

	rec = do(t, r, http.MethodDelete, "/units/"+child.ID+"?cascade=maybe", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cascade flag, got %d", rec.Code)
	}
}

func TestUnitCommands(t *testing.T) {
	eng := newTestEngine()
	r := Router(Deps{Engine: eng})
	u := eng.CreateUnit(engine.CreateOptions{Name: "w", Priority: units.PriorityLow})

	var resp commandResp
	decode := func(rec *httptest.ResponseRecorder) {
		t.Helper()
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
		}
		resp = commandResp{}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}

	decode(do(t, r, http.MethodPost, "/units/"+u.ID+"/pause", nil))
	if !resp.Changed || resp.Unit.State != units.StatePaused {
		t.Fatalf("pause: %+v", resp)
	}
	decode(do(t, r, http.MethodPost, "/units/"+u.ID+"/pause", nil))
	if resp.Changed {
		t.Fatal("pausing a paused unit must be a no-op")
	}
	decode(do(t, r, http.MethodPost, "/units/"+u.ID+"/resume", nil))
	if !resp.Changed || resp.Unit.State != units.StateRunning {
		t.Fatalf("resume: %+v", resp)
	}
	decode(do(t, r, http.MethodPut, "/units/"+u.ID+"/priority", map[string]string{"priority": "critical"}))
	if !resp.Changed || resp.Unit.Priority != units.PriorityCritical {
		t.Fatalf("priority: %+v", resp)
	}
	decode(do(t, r, http.MethodPost, "/units/"+u.ID+"/stop", nil))
	if !resp.Changed || resp.Unit.State != units.StateStopped {
		t.Fatalf("stop: %+v", resp)
	}
	decode(do(t, r, http.MethodPost, "/units/"+u.ID+"/resume", nil))
	if resp.Changed || resp.Unit.State != units.StateStopped {
		t.Fatalf("stopped is terminal: %+v", resp)
	}

	if rec := do(t, r, http.MethodPost, "/units/nope/pause", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown unit, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPut, "/units/"+u.ID+"/priority", map[string]string{"priority": "extreme"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid priority, got %d", rec.Code)
	}
}

func TestBulkCommands(t *testing.T) {
	eng := newTestEngine()
	r := Router(Deps{Engine: eng})
	for i := 0; i < 3; i++ {
		eng.CreateUnit(engine.CreateOptions{})
	}

	var resp bulkResp
	rec := do(t, r, http.MethodPost, "/units/pause-all", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Affected != 3 {
		t.Fatalf("expected 3 paused, got %d", resp.Affected)
	}
	rec = do(t, r, http.MethodPost, "/units/resume-all", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Affected != 3 {
		t.Fatalf("expected 3 resumed, got %d", resp.Affected)
	}
	rec = do(t, r, http.MethodPost, "/units/stop-all", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Affected != 3 {
		t.Fatalf("expected 3 stopped, got %d", resp.Affected)
	}
	rec = do(t, r, http.MethodPost, "/units/stop-all", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Affected != 0 {
		t.Fatalf("expected nothing left to stop, got %d", resp.Affected)
	}
}

func TestTimelineAndArchive(t *testing.T) {
	eng := newTestEngine()

	// Archive disabled
	r := Router(Deps{Engine: eng})
	if rec := do(t, r, http.MethodGet, "/history/archive", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a store, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/units/x/timeline", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a store, got %d", rec.Code)
	}

	st, err := stores.Open(context.Background(), filepath.Join(t.TempDir(), "cpusim.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	u := eng.CreateUnit(engine.CreateOptions{Name: "archived", TargetDuration: time.Minute})
	ch, cancel := eng.Subscribe()
	for i := 0; i < 3; i++ {
		eng.Tick()
		if err := st.RecordTick(context.Background(), <-ch); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	cancel()

	r = Router(Deps{Engine: eng, Store: st})
	rec := do(t, r, http.MethodGet, "/history/archive?limit=2", nil)
	var samples struct {
		Items []units.HistorySample `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &samples); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(samples.Items) != 2 {
		t.Fatalf("expected 2 archived samples, got %d", len(samples.Items))
	}

	rec = do(t, r, http.MethodGet, "/units/"+u.ID+"/timeline", nil)
	var tl struct {
		Items []stores.TimelinePoint `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tl); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tl.Items) != 3 {
		t.Fatalf("expected 3 timeline points, got %d", len(tl.Items))
	}

	if rec := do(t, r, http.MethodGet, "/history/archive?limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}
