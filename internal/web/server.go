// Package web serves a JSON inspection API over the coordinator state and
// streams coordinator events over WebSocket.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"zigbee-nwkcore/internal/coordinator"
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

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server routes the inspection API and the event stream.
type Server struct {
	coord          *coordinator.Coordinator
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer starts the WebSocket hub and subscribes it to every
// coordinator event.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:   coord,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = coord.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop detaches from the event bus and closes every WebSocket client.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{nwk}", s.handleAPIGetDevice)
	s.mux.HandleFunc("DELETE /api/devices/{nwk}", s.handleAPIEvictDevice)
	s.mux.HandleFunc("GET /api/ieee/{ieee}", s.handleAPIGetDeviceByIEEE)
	s.mux.HandleFunc("GET /api/groups", s.handleAPIListGroups)
	s.mux.HandleFunc("GET /api/groups/{id}", s.handleAPIGetGroup)
	s.mux.HandleFunc("POST /api/groups/{id}/members", s.handleAPIAddGroupMember)
	s.mux.HandleFunc("DELETE /api/groups/{id}/members", s.handleAPIRemoveGroupMember)
	s.mux.HandleFunc("POST /api/groups/rebuild", s.handleAPIRebuildGroups)
	s.mux.HandleFunc("GET /api/network", s.handleAPINetworkInfo)
	s.mux.HandleFunc("POST /api/snapshot", s.handleAPISnapshot)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the origin and API key checks before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		allowed := s.isOriginAllowed(origin)
		switch {
		case r.Method == http.MethodGet:
		case !allowed:
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		case r.Method == http.MethodOptions:
			s.writePreflight(w, origin)
			return
		default:
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	// Browsers cannot set headers on the WebSocket upgrade, so only /api/ is keyed.
	if strings.HasPrefix(r.URL.Path, "/api/") && !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) writePreflight(w http.ResponseWriter, origin string) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	h.Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(s.apiKey)) == 1
}

// isOriginAllowed reports whether origin is listed, or "*" is.
func (s *Server) isOriginAllowed(origin string) bool {
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write json", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
