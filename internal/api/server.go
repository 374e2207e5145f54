// Package api serves the engine's HTTP surface: a small KV interface
// for the stores a process has opened plus the admin endpoints
// (health, stats, prometheus metrics).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openlsm/writepath/internal/coordinator"
	kverr "github.com/openlsm/writepath/internal/errors"
	"github.com/openlsm/writepath/internal/writebuffer"
)

// Server is the HTTP API server. Stores are attached by name before
// Start; requests against unknown names get 404.
type Server struct {
	router   *mux.Router
	coord    *coordinator.Coordinator
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	mu     sync.RWMutex
	stores map[string]*writebuffer.Handle
}

// NewServer creates the API server. gatherer backs /metrics; pass the
// registry the engine's metrics were registered on.
func NewServer(coord *coordinator.Coordinator, gatherer prometheus.Gatherer,
	logger *zap.Logger, tracer *Tracer) *Server {

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:   mux.NewRouter(),
		coord:    coord,
		gatherer: gatherer,
		logger:   logger,
		stores:   make(map[string]*writebuffer.Handle),
	}
	s.router.Use(RecoveryMiddleware(logger), LoggingMiddleware(logger))
	if tracer != nil {
		s.router.Use(tracer.TracingMiddleware)
	}
	s.setupRoutes()
	return s
}

// AttachStore exposes an open handle under name.
func (s *Server) AttachStore(name string, h *writebuffer.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[name] = h
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.Handle("/metrics",
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.router.HandleFunc("/kv/{store}/{key}", s.handleGet).Methods(http.MethodGet)
	s.router.HandleFunc("/kv/{store}/{key}", s.handlePut).Methods(http.MethodPut)
	s.router.HandleFunc("/kv/{store}/{key}", s.handleDelete).Methods(http.MethodDelete)
	s.router.HandleFunc("/kv/{store}", s.handlePrefixDelete).
		Methods(http.MethodDelete).Queries("prefix", "{prefix}")
	s.router.HandleFunc("/kv/{store}/sync", s.handleSync).Methods(http.MethodPost)
}

// Handler returns the configured router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.logger.Info("api server listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) store(w http.ResponseWriter, r *http.Request) (*writebuffer.Handle, bool) {
	name := mux.Vars(r)["store"]
	s.mu.RLock()
	h, ok := s.stores[name]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown store", http.StatusNotFound)
		return nil, false
	}
	return h, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.coord.GetStats())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	h, ok := s.store(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]

	seqno := s.coord.CurrentSeqno()
	if raw := r.URL.Query().Get("seqno"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid seqno", http.StatusBadRequest)
			return
		}
		seqno = v
	}

	val, found, err := h.Get([]byte(key), seqno)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"key":   key,
		"value": string(val),
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	h, ok := s.store(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]

	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	seqno := h.NextSeqno()
	if err := h.Put([]byte(key), []byte(req.Value), seqno); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]uint64{"seqno": seqno})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	h, ok := s.store(w, r)
	if !ok {
		return
	}
	key := mux.Vars(r)["key"]

	if err := h.Delete([]byte(key), h.NextSeqno()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePrefixDelete(w http.ResponseWriter, r *http.Request) {
	h, ok := s.store(w, r)
	if !ok {
		return
	}
	prefix := r.URL.Query().Get("prefix")

	if err := h.PrefixDelete([]byte(prefix), h.NextSeqno()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	h, ok := s.store(w, r)
	if !ok {
		return
	}
	if err := h.Sync(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case kverr.IsInvalidHandle(err), kverr.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case kverr.IsInvalidInput(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case kverr.IsResourceExhausted(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
