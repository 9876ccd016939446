// ABOUTME: The HiveMind host coordinator
// ABOUTME: Wires protocol handlers to session, clock sync, and scheduling, and runs the broadcast loops
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hivemind-audio/hivemind-go/internal/capture"
	"github.com/hivemind-audio/hivemind-go/internal/clocksync"
	"github.com/hivemind-audio/hivemind-go/internal/codec"
	"github.com/hivemind-audio/hivemind-go/internal/discovery"
	"github.com/hivemind-audio/hivemind-go/internal/latency"
	"github.com/hivemind-audio/hivemind-go/internal/protocol"
	"github.com/hivemind-audio/hivemind-go/internal/schedule"
	"github.com/hivemind-audio/hivemind-go/internal/session"
	"github.com/hivemind-audio/hivemind-go/internal/transport"
	"github.com/hivemind-audio/hivemind-go/internal/volume"
)

// ErrAlreadyRunning is returned when Run or StartHost is called on a live host.
var ErrAlreadyRunning = errors.New("host already running")

// chunkWait bounds how long the distribution loop waits for the next chunk
// before checking for shutdown. An empty cycle is a no-op, not an error.
const chunkWait = 100 * time.Millisecond

// Config carries everything the host needs at construction time.
type Config struct {
	ListenAddr        string
	Name              string
	AudioPath         string // empty = test tone
	LookAhead         time.Duration
	ChunkDuration     time.Duration
	SampleRate        int
	Channels          int
	HeartbeatTimeout  time.Duration
	MonitorInterval   time.Duration
	Compression       bool
	MDNS              bool
	MDNSPort          int
	MasterVolume      float64
	CalibrationSettle time.Duration
}

// Host is the coordinator: it owns the transport, the session, and the two
// background loops, and translates inbound protocol messages into session
// mutations and replies. Everything it needs is constructed at startup and
// passed in; there is no process-wide state.
type Host struct {
	cfg Config

	transport  *transport.Server
	session    *session.Manager
	clock      *clocksync.Service
	scheduler  *schedule.Scheduler
	codecs     *codec.Manager
	capture    *capture.Capture
	volume     *volume.Controller
	calibrator *latency.Calibrator

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	mdns     *discovery.Manager
	wg       sync.WaitGroup

	// connsMu guards the device_id -> connection binding established at join
	// and torn down on disconnect or eviction.
	connsMu   sync.Mutex
	nodeConns map[string]*transport.Conn
}

// New builds a host from config. The capture source is opened here so a bad
// audio path fails fast instead of at Run time.
func New(cfg Config) (*Host, error) {
	source, err := capture.NewSource(cfg.AudioPath, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("open audio source: %w", err)
	}

	frames := int(float64(source.SampleRate()) * cfg.ChunkDuration.Seconds())

	h := &Host{
		cfg:       cfg,
		transport: transport.NewServer(cfg.ListenAddr),
		session:   session.NewManager(),
		clock:     clocksync.NewService(),
		scheduler: schedule.New(cfg.LookAhead, schedule.Format{
			SampleRate: source.SampleRate(),
			Channels:   source.Channels(),
		}),
		codecs:     codec.NewManager(cfg.Compression, source.SampleRate(), source.Channels(), frames),
		capture:    capture.NewCapture(source, cfg.ChunkDuration),
		volume:     volume.NewController(cfg.MasterVolume),
		calibrator: latency.NewCalibrator(cfg.CalibrationSettle),
		nodeConns:  make(map[string]*transport.Conn),
	}

	h.transport.RegisterHandler(protocol.TypeJoinRequest, h.handleJoin)
	h.transport.RegisterHandler(protocol.TypeTimeSyncRequest, h.handleTimeSync)
	h.transport.RegisterHandler(protocol.TypeHeartbeat, h.handleHeartbeat)
	h.transport.OnDisconnect(h.handleDisconnect)

	return h, nil
}

// Run starts the capture path and both loops, then blocks on the transport's
// accept loop until Stop. A bind failure propagates out immediately and
// leaves the host stopped and retryable.
func (h *Host) Run() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	h.running = true
	h.stopChan = make(chan struct{})
	h.done = make(chan struct{})
	stop := h.stopChan
	done := h.done

	if h.cfg.MDNS {
		h.mdns = discovery.NewManager(discovery.Config{
			ServiceName: h.cfg.Name,
			Port:        h.cfg.MDNSPort,
		})
	}
	mdns := h.mdns
	h.mu.Unlock()

	defer close(done)

	log.Info().
		Str("addr", h.cfg.ListenAddr).
		Str("session_code", h.session.Code()).
		Str("codec", h.codecs.Name()).
		Dur("look_ahead", h.cfg.LookAhead).
		Msg("host starting")

	h.capture.Start()

	if mdns != nil {
		if err := mdns.Advertise(); err != nil {
			log.Warn().Err(err).Msg("mdns advertisement failed, continuing without discovery")
		}
	}

	h.wg.Add(2)
	go h.distributionLoop(stop)
	go h.monitorLoop(stop)

	err := h.transport.Start()

	// Transport returned, by Stop or by failure. Either way, wind down the
	// loops and the capture path before reporting stopped.
	h.mu.Lock()
	if h.stopChan != nil {
		close(h.stopChan)
		h.stopChan = nil
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.capture.Stop()
	if mdns != nil {
		mdns.Stop()
	}

	h.mu.Lock()
	h.running = false
	h.mdns = nil
	h.mu.Unlock()

	log.Info().Msg("host stopped")
	return err
}

// Stop signals shutdown. Safe to call when the host never started and safe
// to call twice.
func (h *Host) Stop() {
	h.mu.Lock()
	if h.stopChan != nil {
		close(h.stopChan)
		h.stopChan = nil
	}
	h.mu.Unlock()

	h.transport.Stop()
}

// Running reports whether the host is live.
func (h *Host) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Addr returns the transport's bound address as a string, or "" before Run.
func (h *Host) Addr() string {
	addr := h.transport.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Session exposes the session manager for status queries.
func (h *Host) Session() *session.Manager {
	return h.session
}

// handleJoin validates the session code, admits the node, and replies. The
// reject reasons are distinguishable so a node can tell a bad code from a
// duplicate device.
func (h *Host) handleJoin(c *transport.Conn, payload json.RawMessage, _ []byte) {
	var req protocol.JoinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warn().Err(err).Str("peer", c.RemoteAddr()).Msg("malformed join request")
		return
	}

	if req.SessionCode != h.session.Code() {
		log.Info().Str("peer", c.RemoteAddr()).Str("device_id", req.DeviceID).Msg("join rejected: wrong session code")
		h.reply(c, protocol.NewJoinReject("invalid session code"))
		return
	}

	if !h.session.AcceptNode(req.DeviceID, req.DeviceName, req.Metadata) {
		log.Info().Str("peer", c.RemoteAddr()).Str("device_id", req.DeviceID).Msg("join rejected: device already joined")
		h.reply(c, protocol.NewJoinReject("device already joined"))
		return
	}

	c.Bind(req.DeviceID)
	h.session.SetAuthenticated(req.DeviceID)

	h.connsMu.Lock()
	h.nodeConns[req.DeviceID] = c
	h.connsMu.Unlock()

	log.Info().Str("device_id", req.DeviceID).Str("name", req.DeviceName).Msg("node joined session")

	// Calibration runs off the handler path so the accept is never gated on it
	h.mu.Lock()
	stop := h.stopChan
	h.mu.Unlock()
	h.wg.Add(1)
	go h.calibrate(req.DeviceID, stop)

	h.reply(c, protocol.NewJoinAccept(req.DeviceID, h.sessionInfo()))
}

// handleTimeSync answers an authenticated node's sync probe. Pre-auth probes
// are dropped without a reply.
func (h *Host) handleTimeSync(c *transport.Conn, payload json.RawMessage, _ []byte) {
	if !c.Authenticated() {
		log.Debug().Str("peer", c.RemoteAddr()).Msg("ignoring time sync from unauthenticated peer")
		return
	}

	var req protocol.TimeSyncRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warn().Err(err).Str("peer", c.RemoteAddr()).Msg("malformed time sync request")
		return
	}

	hostTime, clientTime := h.clock.HandleSyncRequest(req.ClientTime)
	h.reply(c, protocol.NewTimeSyncResponse(hostTime, clientTime))
}

// handleHeartbeat bumps liveness and acks. Pre-auth heartbeats are dropped
// without a reply, and a heartbeat only ever counts for the device bound to
// its own connection, so one node cannot keep a departed peer alive.
func (h *Host) handleHeartbeat(c *transport.Conn, payload json.RawMessage, _ []byte) {
	if !c.Authenticated() {
		log.Debug().Str("peer", c.RemoteAddr()).Msg("ignoring heartbeat from unauthenticated peer")
		return
	}

	var hb protocol.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		log.Warn().Err(err).Str("peer", c.RemoteAddr()).Msg("malformed heartbeat")
		return
	}

	deviceID := c.DeviceID()
	if hb.DeviceID != deviceID {
		log.Warn().Str("peer", c.RemoteAddr()).Str("claimed", hb.DeviceID).Str("bound", deviceID).Msg("dropping heartbeat for foreign device")
		return
	}

	h.session.UpdateHeartbeat(deviceID)
	h.reply(c, protocol.NewHeartbeatAck(deviceID))
}

// handleDisconnect unbinds the device's connection. The session node stays
// until the staleness monitor evicts it, so brief reconnects are tolerated.
func (h *Host) handleDisconnect(c *transport.Conn) {
	deviceID := c.DeviceID()
	if deviceID == "" {
		return
	}

	h.connsMu.Lock()
	if h.nodeConns[deviceID] == c {
		delete(h.nodeConns, deviceID)
	}
	h.connsMu.Unlock()
}

// calibrate waits for the node's connection to settle, then records a
// latency estimate from its join metadata.
func (h *Host) calibrate(deviceID string, stop chan struct{}) {
	defer h.wg.Done()

	select {
	case <-time.After(h.calibrator.Settle()):
	case <-stop:
		return
	}

	node, ok := h.session.Node(deviceID)
	if !ok {
		// Evicted or left before calibration finished
		return
	}

	ms := h.calibrator.Calibrate(node)
	h.session.SetLatency(deviceID, ms)
	log.Info().Str("device_id", deviceID).Float64("latency_ms", ms).Msg("node latency calibrated")
}

// distributionLoop pulls captured chunks, schedules them in the future, and
// broadcasts. Per-peer delivery failures never stop the loop.
func (h *Host) distributionLoop(stop chan struct{}) {
	defer h.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		chunk := h.capture.GetChunk(chunkWait)
		if chunk == nil {
			continue
		}

		chunk = h.volume.Apply(chunk)

		sched, err := h.scheduler.ScheduleChunk()
		if err != nil {
			log.Warn().Err(err).Msg("dropping chunk")
			continue
		}

		data, err := h.codecs.Encode(chunk)
		if err != nil {
			log.Warn().Err(err).Msg("chunk encode failed")
			continue
		}

		h.transport.Broadcast(protocol.NewAudioChunk(
			sched.PlayAtSeconds(), sched.SampleRate, sched.Channels, data))
	}
}

// monitorLoop evicts nodes whose heartbeats have gone quiet.
func (h *Host) monitorLoop(stop chan struct{}) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		for _, deviceID := range h.session.CheckStaleNodes(h.cfg.HeartbeatTimeout) {
			h.session.RemoveNode(deviceID)

			h.connsMu.Lock()
			c := h.nodeConns[deviceID]
			delete(h.nodeConns, deviceID)
			h.connsMu.Unlock()

			if c != nil {
				c.Close()
			}
			log.Warn().Str("device_id", deviceID).Msg("evicted stale node")
		}

		log.Debug().Int("nodes", h.session.NodeCount()).Int("conns", h.transport.ConnCount()).Msg("session status")
	}
}

// reply sends on the originating connection, logging delivery failures.
func (h *Host) reply(c *transport.Conn, msg protocol.Message) {
	if err := c.Send(msg); err != nil {
		log.Warn().Err(err).Str("peer", c.RemoteAddr()).Str("type", string(msg.Type)).Msg("reply failed")
	}
}

// sessionInfo converts the session snapshot to its wire form.
func (h *Host) sessionInfo() protocol.SessionInfo {
	info := h.session.Info()

	scheduled := make([]protocol.TrackSchedule, len(info.Scheduled))
	for i, t := range info.Scheduled {
		scheduled[i] = protocol.TrackSchedule{
			TrackURL: t.URL,
			StartAt:  t.StartAt,
			Duration: t.Duration,
		}
	}

	return protocol.SessionInfo{
		Code:      info.Code,
		NodeCount: info.NodeCount,
		Scheduled: scheduled,
	}
}
