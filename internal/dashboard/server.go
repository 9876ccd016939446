// ABOUTME: HTTP control plane for the HiveMind host
// ABOUTME: Exposes session status and start/stop/schedule commands as a JSON API
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hivemind-audio/hivemind-go/internal/host"
)

const shutdownTimeout = 5 * time.Second

// Server serves the control-plane API over a host's command surface. It
// never touches the coordinator's internals.
type Server struct {
	commander host.Commander
	addr      string
	listener  net.Listener
	httpSrv   *http.Server
}

// NewServer creates a dashboard server bound to addr.
func NewServer(addr string, commander host.Commander) *Server {
	s := &Server{commander: commander, addr: addr}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/session/code", s.handleSessionCode)
	mux.HandleFunc("POST /api/schedule", s.handleSchedule)

	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Start binds and serves in the background. Bind failures return here.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind dashboard %s: %w", s.addr, err)
	}
	s.listener = ln

	log.Info().Str("addr", ln.Addr().String()).Msg("dashboard listening")

	go func() {
		if err := s.httpSrv.Serve(ln); err != http.ErrServerClosed {
			log.Error().Err(err).Msg("dashboard server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the dashboard down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("dashboard shutdown")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.commander.GetStatus())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.commander.StartHost(); err != nil {
		if errors.Is(err, host.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.commander.GetStatus())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.commander.StopHost(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.commander.GetStatus())
}

func (s *Server) handleSessionCode(w http.ResponseWriter, r *http.Request) {
	code := s.commander.CreateSessionCode()
	writeJSON(w, http.StatusOK, map[string]string{"session_code": code})
}

type scheduleRequest struct {
	TrackURL     string  `json:"track_url"`
	DelaySeconds float64 `json:"delay_seconds"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
		return
	}
	if req.TrackURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("track_url is required"))
		return
	}
	if req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, errors.New("delay_seconds must not be negative"))
		return
	}

	startAt := s.commander.ScheduleTrack(req.TrackURL, req.DelaySeconds)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"track_url": req.TrackURL,
		"start_at":  startAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("dashboard response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
