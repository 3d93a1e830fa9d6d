// Package api provides the HTTP admin endpoints of a datacache service
package api

import (
	"context"
	"encoding/json"
	stderr "errors"
	"net/http"
	"time"

	"github.com/restopos/datacache/internal/bus"
	"github.com/restopos/datacache/internal/service"
	"github.com/restopos/datacache/internal/storage"
	"github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/health"
	"github.com/restopos/datacache/pkg/utils"
)

// Server provides HTTP endpoints for inspecting and maintaining the cache
type Server struct {
	httpServer *http.Server
	service    *service.Service
	logger     *utils.StructuredLogger
	config     ServerConfig
	handler    http.Handler
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8090")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// HealthTimeout bounds the storage probe of /health
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "localhost:8090",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
		HealthTimeout: 2 * time.Second,
		EnableCORS:    true,
	}
}

// InvalidateRequest is the body of POST /invalidate
type InvalidateRequest struct {
	Topic string    `json:"topic"`
	Type  string    `json:"type"`
	Data  any       `json:"data,omitempty"`
	Keys  []bus.Key `json:"keys"`
}

// NewServer creates a new API server over svc
func NewServer(config ServerConfig, svc *service.Service) *Server {
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultServerConfig().HealthTimeout
	}

	s := &Server{
		service: svc,
		logger:  svc.Logger().WithComponent("api"),
		config:  config,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/preload/stats", s.handlePreloadStats)
	mux.HandleFunc("/cache", s.handleCache)
	mux.HandleFunc("/cache/sweep", s.handleSweep)
	mux.HandleFunc("/invalidate", s.handleInvalidate)
	mux.Handle("/metrics", svc.Metrics().Handler())
	mux.HandleFunc("/info", s.handleInfo)

	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadTimeout,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("starting API server", map[string]interface{}{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthTimeout)
	defer cancel()

	tracker := s.service.Health()
	state := tracker.Check(ctx)
	response := map[string]interface{}{
		"status":     state.String(),
		"durable":    s.service.Config().Storage.Durable,
		"components": tracker.Components(),
		"timestamp":  time.Now(),
	}
	if state == health.StateUnavailable {
		s.respondJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx := r.Context()
	response := map[string]interface{}{
		"cache":     s.service.Cache().GetStats(ctx),
		"timestamp": time.Now(),
	}
	if size, err := storage.SizeOf(ctx, s.service.Storage()); err == nil {
		response["storageBytes"] = size
	}
	durable := s.service.Storage()
	if tiered, ok := durable.(*storage.Tiered); ok {
		if mem, ok := tiered.Fast().(*storage.Memory); ok {
			response["fastTier"] = mem.Stats()
		}
		durable = tiered.Durable()
	}
	if g, ok := durable.(*storage.Guarded); ok {
		response["breaker"] = map[string]interface{}{
			"state":  g.Breaker().State().String(),
			"counts": g.Breaker().Counts(),
		}
		durable = g.Inner()
	}
	if disk, ok := durable.(*storage.Disk); ok {
		response["diskTier"] = disk.Stats()
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handlePreloadStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"preload":    s.service.Scheduler().Stats(),
		"registered": s.service.Registry().Types(),
		"timestamp":  time.Now(),
	})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	typ := r.URL.Query().Get("type")
	var (
		removed int
		err     error
	)
	if typ == "" {
		removed, err = s.service.Cache().Clear(r.Context())
	} else {
		removed, err = s.service.Cache().ClearByType(r.Context(), typ)
	}
	if err != nil {
		s.respondCacheError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"removed":   removed,
		"type":      typ,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"removed":   s.service.Cache().CleanupExpiredCache(r.Context()),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req InvalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	topic, ok := bus.ParseTopic(req.Topic)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "Unknown topic: "+req.Topic)
		return
	}
	if len(req.Keys) == 0 {
		s.respondError(w, http.StatusBadRequest, "At least one key is required")
		return
	}

	delivered := s.service.Bus().Publish(r.Context(), topic, bus.Event{
		Type: req.Type,
		Data: req.Data,
		Keys: req.Keys,
	})

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"topic":     string(topic),
		"delivered": delivered,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "datacache",
		"timestamp": time.Now(),
		"endpoints": []string{
			"GET /health",
			"GET /stats",
			"GET /preload/stats",
			"DELETE /cache?type={type}",
			"POST /cache/sweep",
			"POST /invalidate",
			"GET /metrics",
			"GET /info",
		},
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding JSON response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondCacheError maps a structured error onto its HTTP status
func (s *Server) respondCacheError(w http.ResponseWriter, err error) {
	var ce *errors.CacheError
	if !stderr.As(err, &ce) {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := ce.HTTPStatus
	if status == 0 {
		status = errors.GetDefaultHTTPStatus(ce.Code)
	}
	s.respondJSON(w, status, map[string]interface{}{
		"error":     ce.Message,
		"code":      ce.Code,
		"timestamp": time.Now(),
	})
}
