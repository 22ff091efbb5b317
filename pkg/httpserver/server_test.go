package httpserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lsmforge/lsmkv/pkg/engine"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	eng := engine.New(engine.DefaultConfig(dir))
	if err := eng.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	cfg := DefaultConfig()
	return New(cfg, eng), eng
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/kv/user:1", strings.NewReader("Alice"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/kv/user:1", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if string(body) != "Alice" {
		t.Fatalf("GET body = %q, want Alice", body)
	}

	req = httptest.NewRequest(http.MethodDelete, "/kv/user:1", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/kv/user:1", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET after delete status = %d, want 404", w.Code)
	}
}

func TestBatchPutAndRange(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/batch", strings.NewReader(
		`[{"key":"a","value":"MQ=="},{"key":"b","value":"Mg=="},{"key":"c","value":"Mw=="}]`))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("batch status = %d, body %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/range?start=a&end=c&limit=10", nil)
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("range status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"key":"a"`) {
		t.Fatalf("range body missing key a: %s", w.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "State") {
		t.Fatalf("stats body missing State field: %s", w.Body.String())
	}
}
