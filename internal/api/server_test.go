package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"DuchyMill/internal/blob"
	"DuchyMill/internal/computation"
	"DuchyMill/internal/herald"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/storage"
	"DuchyMill/internal/store"
)

// testServer is an API server over a temporary Pebble database.
type testServer struct {
	server *Server
	store  *store.Store
	blobs  *blob.Store
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "api-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := storage.New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	blobs, err := blob.New(db)
	if err != nil {
		db.Close()
		os.RemoveAll(dir)
		t.Fatalf("failed to create blob store: %v", err)
	}

	registry := protocol.DefaultRegistry()
	st := store.New(db, registry)

	server := New(Config{
		Duchy:        "bravo",
		Starter:      herald.New("bravo", st, blobs, registry),
		Computations: st,
		Blobs:        blobs,
		Registry:     registry,
		Protocols:    []computation.Protocol{computation.LiquidLegionsV1, computation.LiquidLegionsV2},
	})

	cleanup := func() {
		blobs.Close()
		db.Close()
		os.RemoveAll(dir)
	}

	return &testServer{server: server, store: st, blobs: blobs}, cleanup
}

// do runs a request against the server's routes.
func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()

	ts.server.Handler().ServeHTTP(w, req)

	return w
}

// start posts a v1 start request for id.
func (ts *testServer) start(t *testing.T, id string) {
	t.Helper()

	w := ts.do("POST", "/computations", map[string]any{
		"globalId":     id,
		"protocol":     "llv1",
		"participants": []string{"alpha", "bravo", "charlie"},
		"sketch":       []byte("sketch"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("start: status %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	w := ts.do("GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestStartAndGet(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	ts.start(t, "cmp-1")

	w := ts.do("GET", "/computations/cmp-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var view computationView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if view.Stage != "TO_ADD_NOISE" || view.Role != "NON_PRIMARY" || view.Protocol != "LIQUID_LEGIONS_V1" {
		t.Errorf("view = %+v", view)
	}

	if len(view.Blobs) != 2 || view.Blobs[0].Path != herald.SketchPath("cmp-1") {
		t.Errorf("blobs = %+v", view.Blobs)
	}
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed", "not an object", http.StatusBadRequest},
		{"unknown protocol", map[string]any{"globalId": "c", "protocol": "llv9", "participants": []string{"alpha", "bravo"}, "sketch": []byte("s")}, http.StatusBadRequest},
		{"outsider", map[string]any{"globalId": "c", "protocol": "llv1", "participants": []string{"alpha", "charlie"}, "sketch": []byte("s")}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, cleanup := newTestServer(t)
			defer cleanup()

			if w := ts.do("POST", "/computations", tt.body); w.Code != tt.want {
				t.Errorf("status %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestStartDuplicateConflicts(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	ts.start(t, "cmp-1")

	w := ts.do("POST", "/computations", map[string]any{
		"globalId":     "cmp-1",
		"protocol":     "llv1",
		"participants": []string{"alpha", "bravo", "charlie"},
		"sketch":       []byte("sketch"),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestGetUnknown(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	for _, path := range []string{"/computations/nope", "/computations/nope/stats"} {
		if w := ts.do("GET", path, nil); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
}

func TestStats(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	ts.start(t, "cmp-1")

	tok, _ := ts.store.GetToken(context.Background(), "cmp-1")
	ts.store.RecordStat(context.Background(), store.Stat{LocalID: tok.LocalID, Stage: tok.Stage, Name: "input_bytes", Value: 6})

	w := ts.do("GET", "/computations/cmp-1/stats", nil)

	var stats []statView
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if len(stats) != 1 || stats[0].Name != "input_bytes" || stats[0].Value != 6 || stats[0].Stage != "TO_ADD_NOISE" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCancelThenDelete(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	ts.start(t, "cmp-1")

	if w := ts.do("DELETE", "/computations/cmp-1", nil); w.Code != http.StatusConflict {
		t.Fatalf("deleting a running computation: status %d, want 409", w.Code)
	}

	w := ts.do("POST", "/computations/cmp-1/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d: %s", w.Code, w.Body.String())
	}

	var view computationView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Stage != "COMPLETE" || view.EndReason != "CANCELED" {
		t.Errorf("after cancel: %+v", view)
	}

	if w := ts.do("POST", "/computations/cmp-1/cancel", nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: status %d, want 409", w.Code)
	}

	if w := ts.do("DELETE", "/computations/cmp-1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d: %s", w.Code, w.Body.String())
	}

	if w := ts.do("GET", "/computations/cmp-1", nil); w.Code != http.StatusNotFound {
		t.Errorf("after delete: status %d, want 404", w.Code)
	}

	if _, err := ts.blobs.Read(context.Background(), herald.SketchPath("cmp-1")); err == nil {
		t.Error("sketch blob should be deleted")
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	ts.start(t, "cmp-1")
	ts.start(t, "cmp-2")

	w := ts.do("GET", "/status", nil)

	var resp struct {
		Duchy  string         `json:"duchy"`
		Queues map[string]int `json:"queues"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.Duchy != "bravo" || resp.Queues["LIQUID_LEGIONS_V1"] != 2 || resp.Queues["LIQUID_LEGIONS_V2"] != 0 {
		t.Errorf("status = %+v", resp)
	}
}
