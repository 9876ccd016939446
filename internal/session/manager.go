// ABOUTME: Session state for the HiveMind host
// ABOUTME: Tracks the session code, admitted nodes, liveness, and scheduled tracks
package session

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Node is one admitted playback device.
type Node struct {
	DeviceID      string
	Name          string
	Metadata      map[string]interface{}
	LastSeen      time.Time
	Authenticated bool
	LatencyMs     float64 // 0 until calibration completes
}

// Track is an append-only record of a scheduled track.
type Track struct {
	URL      string
	StartAt  float64
	Duration float64
}

// Info is a snapshot of the session for status queries and join replies.
type Info struct {
	Code      string
	NodeCount int
	Scheduled []Track
}

// Manager owns the single live session. All mutation goes through one mutex;
// callers receive copies, never references into the node map.
type Manager struct {
	mu     sync.Mutex
	code   string
	nodes  map[string]*Node
	tracks []Track
	now    func() time.Time
}

// NewManager creates a session manager with a freshly generated code.
func NewManager() *Manager {
	m := &Manager{
		nodes: make(map[string]*Node),
		now:   time.Now,
	}
	m.code = newSessionCode()
	return m
}

// newSessionCode derives a short human-shareable code from a fresh UUID.
func newSessionCode() string {
	u := uuid.New()
	n := binary.BigEndian.Uint16(u[0:2]) % 10000
	return fmt.Sprintf("HM-%04d", n)
}

// Code returns the current session code.
func (m *Manager) Code() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

// GenerateSessionCode replaces the session code with a new one and returns
// it. Join attempts carrying the old code fail from this point on.
func (m *Manager) GenerateSessionCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code = newSessionCode()
	return m.code
}

// AcceptNode admits a node. Returns false without mutating anything if the
// device ID is already present; a second join is rejected, never merged.
func (m *Manager) AcceptNode(deviceID, name string, metadata map[string]interface{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[deviceID]; exists {
		return false
	}
	m.nodes[deviceID] = &Node{
		DeviceID: deviceID,
		Name:     name,
		Metadata: metadata,
		LastSeen: m.now(),
	}
	return true
}

// SetAuthenticated marks a node as having completed the join handshake.
func (m *Manager) SetAuthenticated(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[deviceID]; ok {
		n.Authenticated = true
	}
}

// SetLatency records a calibrated latency estimate for a node.
func (m *Manager) SetLatency(deviceID string, ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[deviceID]; ok {
		n.LatencyMs = ms
	}
}

// UpdateHeartbeat bumps a node's last-seen time. Unknown device IDs are a
// no-op so removed nodes are not resurrected. LastSeen never moves backward.
func (m *Manager) UpdateHeartbeat(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[deviceID]
	if !ok {
		return
	}
	if now := m.now(); now.After(n.LastSeen) {
		n.LastSeen = now
	}
}

// CheckStaleNodes returns device IDs whose last heartbeat is older than
// timeout. Pure query; eviction is the caller's decision.
func (m *Manager) CheckStaleNodes(timeout time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var stale []string
	for id, n := range m.nodes {
		if now.Sub(n.LastSeen) > timeout {
			stale = append(stale, id)
		}
	}
	return stale
}

// RemoveNode deletes a node. Idempotent.
func (m *Manager) RemoveNode(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, deviceID)
}

// Node returns a copy of the named node.
func (m *Manager) Node(deviceID string) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[deviceID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// NodeCount returns the number of admitted nodes.
func (m *Manager) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// AddScheduledTrack appends a track to the session's schedule log.
func (m *Manager) AddScheduledTrack(url string, startAt, duration float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, Track{URL: url, StartAt: startAt, Duration: duration})
}

// Info returns a snapshot of the session.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	scheduled := make([]Track, len(m.tracks))
	copy(scheduled, m.tracks)

	return Info{
		Code:      m.code,
		NodeCount: len(m.nodes),
		Scheduled: scheduled,
	}
}
