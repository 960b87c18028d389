// Package api serves the status of a running import over HTTP: buffer
// counters, key lookups against the store and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bulkindex/pkg/core"
	"bulkindex/pkg/index"
	"bulkindex/pkg/logging"
	"bulkindex/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsFunc returns the live buffer counters; ok is false while no import
// has started.
type StatsFunc func() (core.Stats, bool)

type Server struct {
	store    storage.Store
	registry *index.Registry
	stats    StatsFunc
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

func NewServer(store storage.Store, registry *index.Registry, stats StatsFunc, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	return &Server{
		store:    store,
		registry: registry,
		stats:    stats,
		gatherer: gatherer,
		log:      logging.OrNop(log),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/indexes", s.handleIndexes)
	mux.HandleFunc("/api/lookup", s.handleLookup)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start blocks serving addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("[API] server listening", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, ok := s.stats()
	if !ok {
		http.Error(w, "No import running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]interface{}{
		"elements":         st.Elements,
		"memory_usage":     st.MemoryUsage,
		"memory_limit":     st.MemoryLimit,
		"headroom":         st.Headroom,
		"total":            st.Total,
		"hit":              st.Hit,
		"evicted":          st.Evicted,
		"eviction_passes":  st.EvictionPasses,
		"eviction_stalls":  st.EvictionStalls,
		"eviction_enabled": st.EvictionEnabled,
	})
}

func (s *Server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	type indexInfo struct {
		ID         index.ID `json:"id"`
		Name       string   `json:"name"`
		EntryLimit int      `json:"entry_limit"`
	}
	var out []indexInfo
	for _, ix := range s.registry.All() {
		out = append(out, indexInfo{ID: ix.ID(), Name: ix.Name(), EntryLimit: ix.EntryLimit()})
	}
	writeJSON(w, out)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("index")
	ix, ok := s.registry.ByName(name)
	if !ok {
		http.Error(w, "Unknown index", http.StatusBadRequest)
		return
	}
	key := index.Normalize(r.URL.Query().Get("key"))

	start := time.Now()
	ids, found, err := s.store.Read(ix, []byte(key))
	duration := time.Since(start)
	if err != nil {
		s.log.Error("[API] lookup failed", "index", name, "key", key, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Key not found", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{
		"index":      ix.Name(),
		"key":        key,
		"defined":    ids.IsDefined(),
		"ids":        ids.IDs(),
		"latency_ns": duration.Nanoseconds(),
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
