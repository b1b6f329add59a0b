// Package admin exposes a cache's health, version, and metrics over
// plain JSON HTTP, replacing the teacher's gRPC admin surface (no
// protoc toolchain is available in this environment to regenerate
// equivalent .pb.go stubs — see DESIGN.md). Grounded on the teacher's
// cmd/nova daemon HTTP server: a net/http.ServeMux with one handler per
// concern, JSON-encoded responses, no framework.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/oriys/memlink"
	"github.com/oriys/memlink/internal/metrics"
)

// Server is the admin HTTP surface for one Cache.
type Server struct {
	cache *memlink.Cache
	mux   *http.ServeMux
}

// New builds an admin Server wrapping cache. Handler returns the
// resulting http.Handler to pass to http.Server.
func New(cache *memlink.Cache) *Server {
	s := &Server{cache: cache, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /version", s.handleVersion)
	s.mux.HandleFunc("GET /ring", s.handleRing)
	s.mux.HandleFunc("GET /stats.json", s.handleStatsJSON)
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler())
	return s
}

// Handler returns the admin mux as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	live := s.cache.LiveServers()
	all := s.cache.Servers()

	status := "ok"
	if len(live) == 0 {
		status = "unavailable"
	} else if len(live) < len(all) {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"live_servers":  live,
		"total_servers": len(all),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	versions := s.cache.Version(r.Context())
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleRing(w http.ResponseWriter, r *http.Request) {
	live := make(map[string]bool)
	for _, srv := range s.cache.LiveServers() {
		live[srv] = true
	}
	type entry struct {
		Server string `json:"server"`
		Live   bool   `json:"live"`
	}
	out := make([]entry, 0, len(s.cache.Servers()))
	for _, srv := range s.cache.Servers() {
		out = append(out, entry{Server: srv, Live: live[srv]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatsJSON(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats(r.Context())
	writeJSON(w, http.StatusOK, stats)
}
