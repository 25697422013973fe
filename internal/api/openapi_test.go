package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestOpenAPIDocCoversRoutes(t *testing.T) {
	s := New(Config{}, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	doc := buildOpenAPIDoc()

	if doc["openapi"] != "3.1.0" {
		t.Fatalf("expected openapi 3.1.0, got %v", doc["openapi"])
	}
	paths := doc["paths"].(map[string]any)

	walk := func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if route == "/openapi.json" {
			return nil
		}
		item, ok := paths[route].(map[string]any)
		if !ok {
			t.Errorf("route %s missing from document", route)
			return nil
		}
		if _, ok := item[strings.ToLower(method)]; !ok {
			t.Errorf("operation %s %s missing from document", method, route)
		}
		return nil
	}
	if err := chi.Walk(s.routes(), walk); err != nil {
		t.Fatalf("walk routes: %v", err)
	}
}

func TestOpenAPIEndpoint(t *testing.T) {
	s := New(Config{APIKey: "k"}, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var doc map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	info := doc["info"].(map[string]any)
	if info["title"] != "Gantry" {
		t.Fatalf("title = %v", info["title"])
	}
}
