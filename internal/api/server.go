// Package api provides the HTTP management surface of the go-beanbag service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/securemtr/go-beanbag/internal/config"
	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/securemtr/go-beanbag/internal/program"
	"github.com/securemtr/go-beanbag/internal/service"
)

// RuntimeService is the slice of the account runtime the API exposes.
type RuntimeService interface {
	Status() service.Status
	Controller() *domain.Controller
	RefreshState(ctx context.Context) (domain.StateSnapshot, error)
	SetPrimaryPower(ctx context.Context, on bool) error
	StartBoost(ctx context.Context, durationMinutes int) (time.Time, error)
	StopBoost(ctx context.Context) error
	ReadProgram(ctx context.Context, zone domain.Zone) (program.WeeklyProgram, error)
	WriteProgram(ctx context.Context, zone domain.Zone, week program.WeeklyProgram) error
	CollectConsumption(ctx context.Context) error
	Consumption() []domain.EnergySample
}

// Server represents the HTTP API server that provides monitoring and management functionality.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	runtime   RuntimeService
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, runtime RuntimeService) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	// Create API server instance
	apiServer := &Server{
		config:    cfg,
		router:    router,
		runtime:   runtime,
		logger:    logger,
		startTime: time.Now(),
	}

	// Set up API routes
	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Server status endpoint
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Controller endpoints
	api.HandleFunc("/controller", s.handleController).Methods("GET")
	api.HandleFunc("/state", s.handleState).Methods("GET")
	api.HandleFunc("/power", s.handlePower).Methods("POST")
	api.HandleFunc("/boost", s.handleBoostStart).Methods("POST")
	api.HandleFunc("/boost", s.handleBoostStop).Methods("DELETE")

	// Weekly program endpoints
	api.HandleFunc("/program/{zone}", s.handleProgramRead).Methods("GET")
	api.HandleFunc("/program/{zone}", s.handleProgramWrite).Methods("PUT")

	// Statistics endpoints
	api.HandleFunc("/statistics", s.handleStatistics).Methods("GET")
	api.HandleFunc("/statistics/refresh", s.handleStatisticsRefresh).Methods("POST")
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
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

	// Start HTTP server in a goroutine
	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// handleStatus returns service status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	runtimeStatus := s.runtime.Status()
	status := map[string]interface{}{
		"status":    "ok",
		"version":   "dev",
		"uptime":    time.Since(s.startTime).String(),
		"connected": runtimeStatus.Connected,
	}
	if runtimeStatus.BoostEndTime != nil {
		status["boost_end_time"] = runtimeStatus.BoostEndTime
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleController returns the discovered controller description.
func (s *Server) handleController(w http.ResponseWriter, _ *http.Request) {
	controller := s.runtime.Controller()
	if controller == nil {
		s.writeError(w, "Controller not discovered", http.StatusNotFound)
		return
	}
	s.writeJSON(w, controller, http.StatusOK)
}

// handleState re-reads and returns the live snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.runtime.RefreshState(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, snapshot, http.StatusOK)
}

type powerRequest struct {
	On *bool `json:"on"`
}

// handlePower switches the primary heating mode.
func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		s.writeError(w, "Request body must carry an \"on\" boolean", http.StatusBadRequest)
		return
	}

	if err := s.runtime.SetPrimaryPower(r.Context(), *req.On); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"on": *req.On}, http.StatusOK)
}

type boostRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

// handleBoostStart enables the boost circuit for a bounded duration.
func (s *Server) handleBoostStart(w http.ResponseWriter, r *http.Request) {
	var req boostRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.DurationMinutes < 0 {
		s.writeError(w, "duration_minutes must not be negative", http.StatusBadRequest)
		return
	}

	end, err := s.runtime.StartBoost(r.Context(), req.DurationMinutes)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"end_time": end}, http.StatusOK)
}

// handleBoostStop disables the boost circuit.
func (s *Server) handleBoostStop(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.StopBoost(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"stopped": true}, http.StatusOK)
}

func parseZone(r *http.Request) (domain.Zone, error) {
	zone := domain.Zone(mux.Vars(r)["zone"])
	if zone.Index() == 0 {
		return "", fmt.Errorf("%w: unknown zone %q", domain.ErrValidation, zone)
	}
	return zone, nil
}

// handleProgramRead returns a zone's weekly program.
func (s *Server) handleProgramRead(w http.ResponseWriter, r *http.Request) {
	zone, err := parseZone(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	week, err := s.runtime.ReadProgram(r.Context(), zone)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"zone": zone, "week": week}, http.StatusOK)
}

type programRequest struct {
	Week program.WeeklyProgram `json:"week"`
}

// handleProgramWrite replaces a zone's weekly program.
func (s *Server) handleProgramWrite(w http.ResponseWriter, r *http.Request) {
	zone, err := parseZone(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	var req programRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.runtime.WriteProgram(r.Context(), zone, req.Week); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"zone": zone, "week": req.Week}, http.StatusOK)
}

// handleStatistics returns the recent per-zone summaries plus the
// samples kept by the last collection cycle.
func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	status := s.runtime.Status()
	s.writeJSON(w, map[string]interface{}{
		"recent":      status.Recent,
		"consumption": s.runtime.Consumption(),
	}, http.StatusOK)
}

// handleStatisticsRefresh runs one collection cycle immediately.
func (s *Server) handleStatisticsRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.CollectConsumption(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"refreshed": true}, http.StatusOK)
}

// writeDomainError maps error kinds onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		s.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrAuthentication):
		s.writeError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, domain.ErrConnection), errors.Is(err, domain.ErrProtocol):
		s.writeError(w, err.Error(), http.StatusBadGateway)
	default:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
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
