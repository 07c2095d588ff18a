package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/catalog"
	"github.com/swarmsys/analysis-router/internal/cooldown"
	"github.com/swarmsys/analysis-router/internal/history"
	"github.com/swarmsys/analysis-router/internal/middleware"
	"github.com/swarmsys/analysis-router/internal/routing"
	"github.com/swarmsys/analysis-router/internal/swarm"
	"github.com/swarmsys/analysis-router/internal/types"
)

// Server is the HTTP boundary over the analysis engine.
type Server struct {
	engine      *routing.Engine
	tracker     *cooldown.Tracker
	recorder    *history.Recorder
	registry    *swarm.Registry
	descriptors []catalog.Descriptor

	httpServer *http.Server
	logger     *logrus.Logger
	config     *ServerConfig
	security   *middleware.SecurityMiddleware
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
}

// NewServer creates a server over the engine and its bookkeeping parts.
func NewServer(engine *routing.Engine, tracker *cooldown.Tracker, recorder *history.Recorder, registry *swarm.Registry, descriptors []catalog.Descriptor, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		engine:      engine,
		tracker:     tracker,
		recorder:    recorder,
		registry:    registry,
		descriptors: descriptors,
		logger:      logger,
		config:      config,
	}

	// An absent security section still gets headers and CORS; auth and
	// validation stages degrade to pass-through.
	securityConfig := config.Security
	if securityConfig == nil {
		securityConfig = &middleware.SecurityMiddlewareConfig{}
	}
	securityMiddleware, err := middleware.NewSecurityMiddleware(securityConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
	}
	server.security = securityMiddleware

	return server, nil
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting analysis router server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping analysis router server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully wired route tree. Exposed so tests can
// drive the server through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.security.Handler())
	r.Use(s.security.CORSMiddleware(s.corsOrigins()))
	r.Use(s.loggingMiddleware)

	// API routes
	api := r.PathPrefix("/v1").Subrouter()

	// Analysis endpoints
	api.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("POST")

	// Provider and history views
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/{id}", s.handleGetProvider).Methods("GET")
	api.HandleFunc("/history", s.handleHistory).Methods("GET")

	// Swarm orchestration
	api.HandleFunc("/swarms", s.handleCreateSwarm).Methods("POST")
	api.HandleFunc("/swarms", s.handleListSwarms).Methods("GET")
	api.HandleFunc("/swarms/{id}", s.handleGetSwarm).Methods("GET")
	api.HandleFunc("/swarms/{id}/agents", s.handleSpawnAgent).Methods("POST")
	api.HandleFunc("/swarms/{id}/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/swarms/{id}/tasks", s.handleOrchestrateTask).Methods("POST")
	api.HandleFunc("/swarms/{id}/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")

	// Health check endpoint (no /v1 prefix)
	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	// API documentation
	s.setupDocsRoutes(r)

	return r
}

func (s *Server) corsOrigins() []string {
	if s.config.Security != nil && s.config.Security.Auth != nil && len(s.config.Security.Auth.AllowedOrigins) > 0 {
		return s.config.Security.Auth.AllowedOrigins
	}
	return []string{"*"}
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// Handlers

// handleAnalyze runs one analysis through the failover loop. Backend
// failures come back inside the result; the error envelope is reserved
// for requests the engine refuses to run.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req types.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	result, err := s.engine.Analyze(r.Context(), req)
	if err != nil {
		// Only malformed requests escape the engine
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	statusCode := http.StatusOK
	if !result.Success {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, statusCode, result)
}

// handleRoutingDecision returns the routing decision without executing
// the request.
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	var req types.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	decision, err := s.engine.Plan(req)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

// providerView is one catalog entry joined with its live state.
type providerView struct {
	catalog.Descriptor
	Registered               bool `json:"registered"`
	CoolingDown              bool `json:"cooling_down"`
	CooldownRemainingMinutes int  `json:"cooldown_remaining_minutes,omitempty"`
}

func (s *Server) providerViewFor(d catalog.Descriptor, registered map[string]bool) providerView {
	return providerView{
		Descriptor:               d,
		Registered:               registered[d.ID],
		CoolingDown:              s.tracker.IsCoolingDown(d.ID),
		CooldownRemainingMinutes: s.tracker.RemainingMinutes(d.ID),
	}
}

func (s *Server) registeredSet() map[string]bool {
	registered := make(map[string]bool)
	for _, id := range s.engine.RegisteredInvokers() {
		registered[id] = true
	}
	return registered
}

// handleListProviders lists the catalog with live cooldown state.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	registered := s.registeredSet()

	views := make([]providerView, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		views = append(views, s.providerViewFor(d, registered))
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": views,
		"count":     len(views),
	})
}

// handleGetProvider returns one catalog entry with live cooldown state.
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	d, ok := catalog.ByID(s.descriptors, id)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", id))
		return
	}

	s.writeJSON(w, http.StatusOK, s.providerViewFor(d, s.registeredSet()))
}

// handleHistory returns recent invocation attempts, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	attempts := s.recorder.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"count":    len(attempts),
		"recorded": s.recorder.RecordedCount(),
		"dropped":  s.recorder.DroppedCount(),
	})
}

// Swarm handlers

type createSwarmRequest struct {
	Name      string         `json:"name"`
	Topology  swarm.Topology `json:"topology"`
	MaxAgents int            `json:"max_agents"`
	Strategy  swarm.Strategy `json:"strategy"`
}

func (s *Server) handleCreateSwarm(w http.ResponseWriter, r *http.Request) {
	var req createSwarmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	created, err := s.registry.CreateSwarm(req.Name, req.Topology, req.MaxAgents, req.Strategy)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSwarms(w http.ResponseWriter, r *http.Request) {
	swarms := s.registry.ListSwarms()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"swarms": swarms,
		"count":  len(swarms),
	})
}

func (s *Server) handleGetSwarm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	found, ok := s.registry.GetSwarm(id)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Swarm %s not found", id))
		return
	}

	counts, err := s.registry.Counts(id)
	if err != nil {
		s.writeSwarmError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"swarm":  found,
		"counts": counts,
	})
}

type spawnAgentRequest struct {
	Type         swarm.AgentType `json:"type"`
	Name         string          `json:"name"`
	Capabilities []string        `json:"capabilities"`
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req spawnAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	agent, err := s.registry.SpawnAgent(id, req.Type, req.Name, req.Capabilities)
	if err != nil {
		s.writeSwarmError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := s.registry.GetSwarm(id); !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Swarm %s not found", id))
		return
	}

	agents := s.registry.ListAgents(id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
}

// handleOrchestrateTask submits an analysis to a swarm. The task runs in
// the background; the response is an accepted snapshot to poll.
func (s *Server) handleOrchestrateTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req types.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	task, err := s.registry.OrchestrateTask(id, req)
	if err != nil {
		s.writeSwarmError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := s.registry.GetSwarm(id); !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Swarm %s not found", id))
		return
	}

	tasks := s.registry.ListTasks(id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, ok := s.registry.GetTask(id)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Task %s not found", id))
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

// handleHealthCheck reports liveness plus provider availability. The
// server is degraded when every registered backend is cooling down.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	registered := s.engine.RegisteredInvokers()
	cooling := s.tracker.Active()

	available := 0
	for _, id := range registered {
		if _, down := cooling[id]; !down {
			available++
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if available == 0 {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":               status,
		"providers_registered": len(registered),
		"providers_available":  available,
		"cooling_down":         cooling,
		"timestamp":            time.Now().Unix(),
	})
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(errorResp)
}

// writeSwarmError maps registry errors onto HTTP status codes.
func (s *Server) writeSwarmError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, swarm.ErrSwarmNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, swarm.ErrAgentLimit), errors.Is(err, swarm.ErrNoIdleAgent):
		s.writeErrorResponse(w, http.StatusConflict, err.Error())
	default:
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
