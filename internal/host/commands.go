// ABOUTME: Control-plane command surface over the host
// ABOUTME: The dashboard and CLI drive the host through this interface
package host

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hivemind-audio/hivemind-go/internal/protocol"
)

// ErrStopTimeout is returned when the host does not wind down within the
// stop grace period.
var ErrStopTimeout = errors.New("host did not stop in time")

const (
	// startupGrace is how long StartHost waits for an immediate failure,
	// typically a bind error, before reporting success.
	startupGrace = 250 * time.Millisecond

	stopGrace = 5 * time.Second
)

// Status summarizes the host for control-plane queries.
type Status struct {
	Running     bool   `json:"running"`
	SessionCode string `json:"session_code"`
	NodeCount   int    `json:"node_count"`
}

// Commander is the command surface external control planes use. The host
// implements it; callers never reach into the coordinator directly.
type Commander interface {
	StartHost() error
	StopHost() error
	CreateSessionCode() string
	ScheduleTrack(trackURL string, delaySeconds float64) float64
	GetStatus() Status
}

// StartHost launches Run in the background. Startup failures that surface
// within the grace period, such as a port already in use, are returned;
// after that the host is considered live.
func (h *Host) StartHost() error {
	if h.Running() {
		return ErrAlreadyRunning
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- h.Run()
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(startupGrace):
		return nil
	}
}

// StopHost signals shutdown and waits for Run to return, up to the stop
// grace period. Safe to call on a host that never started.
func (h *Host) StopHost() error {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()

	h.Stop()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(stopGrace):
		return ErrStopTimeout
	}
}

// CreateSessionCode rotates the session code. Nodes already admitted stay;
// new joins must carry the new code.
func (h *Host) CreateSessionCode() string {
	code := h.session.GenerateSessionCode()
	log.Info().Str("session_code", code).Msg("session code rotated")
	return code
}

// ScheduleTrack records a track to start delaySeconds from now and announces
// it to every connected node. Returns the start time in Unix seconds.
func (h *Host) ScheduleTrack(trackURL string, delaySeconds float64) float64 {
	startAt := float64(time.Now().UnixNano())/1e9 + delaySeconds

	h.session.AddScheduledTrack(trackURL, startAt, 0)
	h.transport.Broadcast(protocol.NewScheduleTrack(trackURL, startAt, 0))

	log.Info().Str("track_url", trackURL).Float64("start_at", startAt).Msg("track scheduled")
	return startAt
}

// GetStatus returns a session snapshot.
func (h *Host) GetStatus() Status {
	info := h.session.Info()
	return Status{
		Running:     h.Running(),
		SessionCode: info.Code,
		NodeCount:   info.NodeCount,
	}
}
