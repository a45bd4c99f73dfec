// internal/api/api.go
// HTTP surface of the relay: the WebSocket endpoint plus a small JSON API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/erilali/wsrelay/internal/config"
	"github.com/erilali/wsrelay/internal/hub"
	"github.com/erilali/wsrelay/internal/logger"
)

const (
	version           = "1.0.0"
	readHeaderTimeout = 10 * time.Second
)

// Server serves the relay over HTTP.
type Server struct {
	cfg        config.ServerConfig
	hub        *hub.Hub
	bridgeName string
	logger     *logger.Logger
	http       *http.Server
}

// NewServer wires the routes. bridgeName is reported by /health.
func NewServer(cfg config.ServerConfig, h *hub.Hub, bridgeName string, log *logger.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		hub:        h,
		bridgeName: bridgeName,
		logger:     log,
	}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.hub.ServeWs)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/broadcast", s.handleBroadcast)
	return mux
}

// Run serves until ctx is cancelled, then shuts down the HTTP server and the
// hub within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Infof("Server started at %s (websocket path %s)", s.cfg.Listen, s.cfg.Path)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeoutDuration())
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so the hub
	// closes them itself.
	if err := s.hub.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("Hub shutdown: %v", err)
	}
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.hub.SessionCount(),
		"bridge":   s.bridgeName,
		"version":  version,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids := s.hub.Sessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(ids),
		"sessions": ids,
	})
}

// handleBroadcast sends the raw request body to every session.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Errorf("Error reading broadcast body: %v", err)
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	n := s.hub.Broadcast(string(body))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"delivered_to": n})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
