// ABOUTME: Node-side client for a HiveMind session
// ABOUTME: Joins, keeps heartbeats and clock sync running, and surfaces audio chunks
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hivemind-audio/hivemind-go/internal/deviceid"
	"github.com/hivemind-audio/hivemind-go/internal/protocol"
)

// ErrRejected wraps the host's join rejection reason.
var ErrRejected = errors.New("join rejected")

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultSyncInterval      = 3 * time.Second
	joinTimeout              = 5 * time.Second
)

// Config configures a node client.
type Config struct {
	HostAddr          string // host:port
	SessionCode       string
	DeviceName        string
	HeartbeatInterval time.Duration
	SyncInterval      time.Duration
}

// Chunk is one received audio chunk. PlayAt is still in the host's clock
// frame; convert with the estimator before scheduling local playback.
type Chunk struct {
	PlayAt     float64
	SampleRate int
	Channels   int
	Data       []byte
}

// Client is a node's connection to a session. After Connect returns it keeps
// heartbeats and clock sync running in the background and delivers audio
// chunks on Chunks.
type Client struct {
	cfg       Config
	deviceID  string
	estimator *Estimator

	ws      *websocket.Conn
	writeMu sync.Mutex

	chunks chan Chunk
	joined chan error

	mu       sync.Mutex
	session  protocol.SessionInfo
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a client. Connect does the actual work.
func NewClient(cfg Config) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = deviceid.DisplayName()
	}

	return &Client{
		cfg:       cfg,
		deviceID:  deviceid.Generate(),
		estimator: NewEstimator(),
		chunks:    make(chan Chunk, 32),
		joined:    make(chan error, 1),
		stopChan:  make(chan struct{}),
	}
}

// DeviceID returns this node's device ID.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Estimator returns the clock offset estimator.
func (c *Client) Estimator() *Estimator {
	return c.estimator
}

// Chunks returns the channel of received audio chunks.
func (c *Client) Chunks() <-chan Chunk {
	return c.chunks
}

// Session returns the session info from the join handshake.
func (c *Client) Session() protocol.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect dials the host, performs the join handshake, and starts the
// heartbeat and sync loops. Blocks until the host accepts or rejects.
func (c *Client) Connect() error {
	url := fmt.Sprintf("ws://%s/ws", c.cfg.HostAddr)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	c.ws = ws

	c.wg.Add(1)
	go c.readLoop()

	join := protocol.NewJoinRequest(c.deviceID, c.cfg.DeviceName, c.cfg.SessionCode,
		deviceid.Metadata(c.cfg.DeviceName))
	if err := c.send(join); err != nil {
		c.Close()
		return fmt.Errorf("send join: %w", err)
	}

	select {
	case err := <-c.joined:
		if err != nil {
			c.Close()
			return err
		}
	case <-time.After(joinTimeout):
		c.Close()
		return errors.New("join timed out")
	}

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.syncLoop()

	log.Info().Str("device_id", c.deviceID).Str("session", c.Session().Code).Msg("joined session")
	return nil
}

// Close tears the connection down and stops the background loops.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		if c.ws != nil {
			c.ws.Close()
		}
	})
	c.wg.Wait()
}

func (c *Client) send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.stopChan:
			default:
				log.Warn().Err(err).Msg("connection to host lost")
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping unparseable frame from host")
			continue
		}

		c.handleMessage(env)
	}
}

func (c *Client) handleMessage(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoinAccept:
		var accept protocol.JoinAccept
		if err := json.Unmarshal(env.Payload, &accept); err != nil {
			c.joined <- fmt.Errorf("malformed join accept: %w", err)
			return
		}
		c.mu.Lock()
		c.session = accept.Session
		c.mu.Unlock()
		c.joined <- nil

	case protocol.TypeJoinReject:
		var reject protocol.JoinReject
		if err := json.Unmarshal(env.Payload, &reject); err != nil {
			c.joined <- fmt.Errorf("malformed join reject: %w", err)
			return
		}
		c.joined <- fmt.Errorf("%w: %s", ErrRejected, reject.Reason)

	case protocol.TypeTimeSyncResponse:
		var resp protocol.TimeSyncResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			log.Warn().Err(err).Msg("malformed time sync response")
			return
		}
		recv := float64(time.Now().UnixNano()) / 1e9
		c.estimator.AddSample(resp.HostTime, resp.ClientTime, recv)

	case protocol.TypeAudioChunk:
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(env.Payload, &chunk); err != nil {
			log.Warn().Err(err).Msg("malformed audio chunk")
			return
		}
		select {
		case c.chunks <- Chunk{
			PlayAt:     chunk.PlayAt,
			SampleRate: chunk.SampleRate,
			Channels:   chunk.Channels,
			Data:       env.AudioData,
		}:
		default:
			// Consumer is behind; late chunks are useless anyway
			log.Debug().Msg("dropping audio chunk, consumer behind")
		}

	case protocol.TypeScheduleTrack:
		var track protocol.TrackSchedule
		if err := json.Unmarshal(env.Payload, &track); err != nil {
			return
		}
		log.Info().Str("track_url", track.TrackURL).Float64("start_at", track.StartAt).Msg("track scheduled")

	case protocol.TypeHeartbeatAck:
		// Liveness confirmed, nothing to do
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if err := c.send(protocol.NewHeartbeat(c.deviceID)); err != nil {
				log.Warn().Err(err).Msg("heartbeat send failed")
				return
			}
		}
	}
}

// syncLoop probes the host clock. The first probe goes out immediately so
// the offset estimate exists before the first audio chunk needs it.
func (c *Client) syncLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	probe := func() error {
		now := float64(time.Now().UnixNano()) / 1e9
		return c.send(protocol.NewTimeSyncRequest(now))
	}

	if err := probe(); err != nil {
		return
	}

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if err := probe(); err != nil {
				log.Warn().Err(err).Msg("time sync send failed")
				return
			}
		}
	}
}
