package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/tusqdb/tusq/internal/config"
	"github.com/tusqdb/tusq/internal/pool"
)

func newTestServer() (*Server, *mux.Router) {
	cfg := &config.Config{
		BindAddress: "127.0.0.1:6432",
		Databases: map[string]config.DatabaseConfig{
			"app": {Host: "localhost", Port: "5432", DBName: "app", User: "app_user", PoolSize: 10},
		},
	}

	s := NewServer(pool.NewManager(), config.NewHandle(cfg), nil)

	mr := mux.NewRouter()
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")
	mr.HandleFunc("/databases", s.listDatabasesHandler).Methods("GET")
	mr.HandleFunc("/databases/{alias}/stats", s.databaseStatsHandler).Methods("GET")
	mr.HandleFunc("/healthz", s.healthzHandler).Methods("GET")

	return s, mr
}

func TestListDatabases(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result []databaseEntry
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result) != 1 || result[0].Alias != "app" {
		t.Errorf("expected one database entry for alias %q, got %+v", "app", result)
	}
	if result[0].Config.Password != "" {
		t.Errorf("expected password redacted, got %q", result[0].Config.Password)
	}
}

func TestDatabaseStatsUnknownAlias(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/databases/nope/stats", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown alias, got %d", rr.Code)
	}
}

func TestDatabaseStatsKnownAliasWithoutPool(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/databases/app/stats", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var stats pool.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.Alias != "app" {
		t.Errorf("expected alias %q in stats, got %q", "app", stats.Alias)
	}
}

func TestHealthz(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if int(body["num_databases"].(float64)) != 1 {
		t.Errorf("expected num_databases 1, got %v", body["num_databases"])
	}
}
