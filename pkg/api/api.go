// Package api serves the HTTP admin interface: health, status, exemption
// management, the response action and manual scans.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"irc-dnsbl/pkg/dnsbl"
	"irc-dnsbl/pkg/logging"
)

// ClientLookup finds connected clients by nick
type ClientLookup interface {
	ByNick(nick string) (dnsbl.Client, bool)
	Len() int
}

// Committer persists the exemption list
type Committer interface {
	Commit(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Server represents the API server
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger

	// Dependencies
	engine  *dnsbl.Engine
	clients ClientLookup
	db      Committer

	authMu         sync.RWMutex
	authEnabled    bool
	apiKey         string
	basicUser      string
	passwordHash   string
	allowedOrigins map[string]struct{}

	// Metadata
	version   string
	startTime time.Time
}

// Config holds API server configuration
type Config struct {
	ListenAddress string
	Engine        *dnsbl.Engine
	Clients       ClientLookup
	DB            Committer
	Logger        *logging.Logger
	Version       string

	// Username and PasswordHash (bcrypt) enable basic auth; APIKey enables
	// bearer tokens. With neither, the API is open.
	Username     string
	PasswordHash string
	APIKey       string

	// AllowedOrigins lists the browser origins allowed to call the API.
	// Empty refuses every cross-origin request.
	AllowedOrigins []string
}

// New creates a new API server
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}

	s := &Server{
		engine:         cfg.Engine,
		clients:        cfg.Clients,
		db:             cfg.DB,
		logger:         cfg.Logger.WithComponent("api"),
		version:        cfg.Version,
		startTime:      time.Now(),
		apiKey:         cfg.APIKey,
		basicUser:      cfg.Username,
		passwordHash:   cfg.PasswordHash,
		allowedOrigins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
	}
	for _, o := range cfg.AllowedOrigins {
		s.allowedOrigins[strings.TrimRight(o, "/")] = struct{}{}
	}
	s.authEnabled = s.apiKey != "" || (s.basicUser != "" && s.passwordHash != "")

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/exemptions", s.handleListExemptions)
	mux.HandleFunc("POST /api/exemptions", s.handleAddExemption)
	mux.HandleFunc("DELETE /api/exemptions/{ip}", s.handleDeleteExemption)

	mux.HandleFunc("PUT /api/action", s.handleSetAction)
	mux.HandleFunc("POST /api/scan/{nick}", s.handleScan)

	// Apply middleware
	handler := s.authMiddleware(mux)
	handler = s.loggingMiddleware(handler)
	handler = s.requestIDMiddleware(handler)
	handler = s.corsMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler with all middleware applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the API server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server", "address", s.httpServer.Addr, "auth", s.authEnabled)
	if !s.authEnabled {
		s.logger.Warn("API authentication is disabled; anyone who can reach the listener can change the action and exemptions",
			"address", s.httpServer.Addr)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("api server: %w", err)
	}
}

// Shutdown gracefully shuts down the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}

// getUptime returns the server uptime as a string
func (s *Server) getUptime() string {
	uptime := time.Since(s.startTime)

	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
