// Package health serves the /healthz and /metrics endpoints of the head and factory processes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Pinger verifies the connectivity to the message broker.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check is an additional readiness condition. It returns nil when healthy.
type Check func() error

// Server provides the HTTP health check and metrics endpoints.
// The server runs in a background goroutine and can be gracefully shut down.
type Server struct {
	server  *http.Server
	pinger  Pinger
	checks  []Check
	logger  zerolog.Logger
	started chan struct{}
}

// Response is the JSON response structure of /healthz.
type Response struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewServer creates a health server listening on addr.
// pinger may be nil when no broker is used; metrics may be nil to disable /metrics.
func NewServer(addr string, pinger Pinger, metrics http.Handler, logger zerolog.Logger, checks ...Check) *Server {
	s := &Server{
		pinger:  pinger,
		checks:  checks,
		logger:  logger,
		started: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves in a background goroutine.
// Returns an error if the address cannot be bound (e.g. port already in use).
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	go func() {
		s.logger.Debug().Str("event", "health_server_started").Str("addr", listener.Addr().String()).Msg("health server listening")
		close(s.started)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("event", "health_server_failed").Msg("health server error")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server. The context controls the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealthz handles GET /healthz requests.
// Returns 200 OK when the broker is reachable and every check passes, 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := Response{Status: "healthy"}
	statusCode := http.StatusOK

	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.pinger.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Redis = "disconnected"
			response.Error = err.Error()
			statusCode = http.StatusServiceUnavailable
		} else {
			response.Redis = "connected"
		}
	}

	if statusCode == http.StatusOK {
		for _, check := range s.checks {
			if err := check(); err != nil {
				response.Status = "unhealthy"
				response.Error = err.Error()
				statusCode = http.StatusServiceUnavailable
				break
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode health response")
	}
}
