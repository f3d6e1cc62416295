package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"itach-go-home/internal/automation"
	"itach-go-home/internal/bridge"
	"itach-go-home/internal/setup"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithSetupFlow enables the driver setup endpoints.
func WithSetupFlow(flow *setup.Flow) ServerOption {
	return func(s *Server) {
		s.setupFlow = flow
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API server.
type Server struct {
	bridge         *bridge.Bridge
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	setupFlow      *setup.Flow
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new API server on top of a bridge.
func NewServer(br *bridge.Bridge, events *bridge.EventBus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		bridge: br,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Subscribe to all bridge events and broadcast via WebSocket
	s.unsubEvents = events.OnAll(func(event bridge.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Devices and entities
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{id}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("GET /api/entities", s.handleAPIListEntities)

	// IR operations
	s.mux.HandleFunc("POST /api/devices/{id}/send", s.handleAPISendIR)
	s.mux.HandleFunc("POST /api/devices/{id}/stop", s.handleAPIStopIR)
	s.mux.HandleFunc("POST /api/devices/{id}/raw", s.handleAPISendRaw)
	s.mux.HandleFunc("POST /api/devices/{id}/learn", s.handleAPILearnStart)
	s.mux.HandleFunc("DELETE /api/devices/{id}/learn", s.handleAPILearnCancel)

	// Stored codes
	s.mux.HandleFunc("GET /api/devices/{id}/codes", s.handleAPIListCodes)
	s.mux.HandleFunc("DELETE /api/devices/{id}/codes/{name}", s.handleAPIDeleteCode)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Driver setup
	if s.setupFlow != nil {
		s.mux.HandleFunc("POST /api/setup/start", s.handleSetupStart)
		s.mux.HandleFunc("POST /api/setup/data", s.handleSetupData)
		s.mux.HandleFunc("POST /api/setup/confirm", s.handleSetupConfirm)
		s.mux.HandleFunc("POST /api/setup/abort", s.handleSetupAbort)
	}

	// Automations
	if s.scriptMgr != nil {
		s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
		s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
		s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
		s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
		s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
		s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
		s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)
	}

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only require API key for /api/ endpoints. The WebSocket upgrade is
		// not API-key-protected because browsers cannot send custom headers
		// on the upgrade request.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
