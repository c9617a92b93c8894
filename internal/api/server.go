// Package api provides the HTTP API of the go-rvc bridge.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-rvc/internal/cache"
	"github.com/resident-x/go-rvc/internal/config"
	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/resident-x/go-rvc/internal/router"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StatsSource provides the frame accounting of the running engine.
type StatsSource interface {
	Stats() router.Stats
}

// Server represents the HTTP API server that exposes the cached path values.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	cache     *cache.Cache
	nodes     domain.NodeDirectory
	stats     StatsSource
	metrics   http.Handler
	version   string
	logger    zerolog.Logger
	startTime time.Time
}

// PathView is the JSON representation of one cached path.
type PathView struct {
	Path        string      `json:"path"`
	Value       interface{} `json:"value"`
	Kind        string      `json:"kind"`
	Unit        string      `json:"unit,omitempty"`
	Description string      `json:"description,omitempty"`
	Available   bool        `json:"available"`
	Stale       bool        `json:"stale"`
	Updated     *time.Time  `json:"updated,omitempty"`
}

// NewServer creates a new HTTP API server. A nil metrics handler disables /metrics.
func NewServer(cfg *config.Config, c *cache.Cache, nodes domain.NodeDirectory, stats StatsSource, metrics http.Handler, version string) *Server {
	apiServer := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		cache:     c,
		nodes:     nodes,
		stats:     stats,
		metrics:   metrics,
		version:   version,
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// A subrouter answers 404 on a method mismatch unless it has its own handler.
	notAllowed := http.HandlerFunc(s.handleMethodNotAllowed)
	s.router.MethodNotAllowedHandler = notAllowed

	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.MethodNotAllowedHandler = notAllowed

	// Server status endpoint
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Service namespaces
	api.HandleFunc("/services", s.handleListServices).Methods("GET")
	api.HandleFunc("/services/{namespace}", s.handleGetService).Methods("GET")
	api.HandleFunc("/services/{namespace}/paths/{path:.+}", s.handleGetPath).Methods("GET")

	// Bus nodes
	api.HandleFunc("/nodes", s.handleListNodes).Methods("GET")

	if s.metrics != nil && s.config.API.Metrics {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	// Create HTTP server
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind before returning so an address in use fails the start
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Serve HTTP in a goroutine
	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server status and frame accounting.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"uptime":    time.Since(s.startTime).String(),
		"nodeCount": len(s.nodes.All()),
	}
	if s.stats != nil {
		status["frames"] = s.stats.Stats()
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleListServices returns a summary of every namespace.
func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	result := make([]map[string]interface{}, 0, len(domain.Namespaces()))
	for _, ns := range domain.Namespaces() {
		result = append(result, s.serviceSummary(ns))
	}

	s.writeJSON(w, map[string]interface{}{
		"services": result,
		"count":    len(result),
	}, http.StatusOK)
}

func (s *Server) serviceSummary(ns domain.Namespace) map[string]interface{} {
	summary := map[string]interface{}{
		"namespace": ns,
		"pathCount": len(s.cache.Paths(ns)),
	}
	for key, path := range map[string]string{"status": "/Status", "state": "/State", "productName": "/ProductName"} {
		if entry, ok := s.cache.Get(ns, path); ok {
			summary[key] = entry.Current().Interface()
		}
	}
	if last := s.cache.LastUpdate(ns); !last.IsZero() {
		summary["lastUpdate"] = last
	}
	return summary
}

// handleGetService returns every path of one namespace.
func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	ns, err := domain.ParseNamespace(mux.Vars(r)["namespace"])
	if err != nil {
		s.writeError(w, "Service not found", http.StatusNotFound)
		return
	}

	snapshot := s.cache.Snapshot(ns)
	paths := make([]PathView, 0, len(snapshot))
	for _, entry := range snapshot {
		paths = append(paths, newPathView(entry))
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Path < paths[j].Path })

	s.writeJSON(w, map[string]interface{}{
		"namespace": ns,
		"paths":     paths,
		"count":     len(paths),
	}, http.StatusOK)
}

// handleGetPath returns one path. The optional format query renders enumerated values as hex.
func (s *Server) handleGetPath(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ns, err := domain.ParseNamespace(vars["namespace"])
	if err != nil {
		s.writeError(w, "Service not found", http.StatusNotFound)
		return
	}

	entry, found := s.cache.Get(ns, "/"+vars["path"])
	if !found {
		s.writeError(w, "Path not found", http.StatusNotFound)
		return
	}

	view := newPathView(entry)
	if format := r.URL.Query().Get("format"); format != "" {
		formatted, err := FormatValue(entry.Current(), FormatType(format))
		if err != nil {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		view.Value = formatted
	}

	s.writeJSON(w, view, http.StatusOK)
}

// handleListNodes returns the source addresses seen on the bus.
func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.nodes.All()

	s.writeJSON(w, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	}, http.StatusOK)
}

func newPathView(e cache.Entry) PathView {
	v := e.Current()
	view := PathView{
		Path:        e.Path,
		Value:       v.Interface(),
		Kind:        e.Kind.String(),
		Unit:        e.Unit,
		Description: e.Description,
		Available:   v.Available,
		Stale:       e.Stale,
	}
	if !e.Updated.IsZero() {
		updated := e.Updated
		view.Updated = &updated
	}
	return view
}

// writeJSON writes a JSON response.
func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
