// Package api exposes a read-only HTTP admin surface over the live
// configuration and pool registry: process status, per-database pool
// occupancy, liveness, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tusqdb/tusq/internal/config"
	"github.com/tusqdb/tusq/internal/metrics"
	"github.com/tusqdb/tusq/internal/pool"
)

// Server is the admin HTTP server.
type Server struct {
	registry   *pool.Manager
	cfg        *config.Handle
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer constructs an admin server over registry and cfg.
func NewServer(registry *pool.Manager, cfg *config.Handle, m *metrics.Collector) *Server {
	return &Server{
		registry:  registry,
		cfg:       cfg,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start begins serving on addr. The database alias list is read fresh on
// every request from cfg, so a config reload is reflected immediately.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/databases", s.listDatabasesHandler).Methods("GET")
	r.HandleFunc("/databases/{alias}/stats", s.databaseStatsHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type databaseEntry struct {
	Alias  string                `json:"alias"`
	Config config.DatabaseConfig `json:"config"`
	Stats  *pool.Stats           `json:"stats,omitempty"`
}

func (s *Server) listDatabasesHandler(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Load()
	result := make([]databaseEntry, 0, len(cfg.Databases))
	for alias, db := range cfg.Databases {
		entry := databaseEntry{Alias: alias, Config: db.Redacted()}
		if p, ok := s.registry.Get(alias); ok {
			stats := p.Stats()
			entry.Stats = &stats
		}
		result = append(result, entry)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) databaseStatsHandler(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	cfg := s.cfg.Load()
	if _, ok := cfg.Databases[alias]; !ok {
		writeError(w, http.StatusNotFound, "unknown database alias")
		return
	}

	p, ok := s.registry.Get(alias)
	if !ok {
		writeJSON(w, http.StatusOK, pool.Stats{Alias: alias})
		return
	}
	writeJSON(w, http.StatusOK, p.Stats())
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	cfg := s.cfg.Load()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"bind_address":   cfg.BindAddress,
		"num_databases":  len(cfg.Databases),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
