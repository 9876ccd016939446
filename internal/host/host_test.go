// ABOUTME: End-to-end tests for the host coordinator over real websockets
package host

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivemind-audio/hivemind-go/internal/protocol"
)

func testConfig() Config {
	return Config{
		ListenAddr:        "localhost:0",
		Name:              "test-host",
		LookAhead:         200 * time.Millisecond,
		ChunkDuration:     50 * time.Millisecond,
		SampleRate:        8000,
		Channels:          1,
		HeartbeatTimeout:  time.Minute,
		MonitorInterval:   time.Minute,
		MasterVolume:      1.0,
		CalibrationSettle: 10 * time.Millisecond,
	}
}

func startHost(t *testing.T, cfg Config) *Host {
	t.Helper()

	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go h.Run()
	t.Cleanup(func() { h.Stop() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("host did not start in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return h
}

func dialHost(t *testing.T, h *Host) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws://%s/ws", h.Addr())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendJoin(t *testing.T, ws *websocket.Conn, deviceID, code string) {
	t.Helper()
	msg := protocol.NewJoinRequest(deviceID, "Test Device", code, map[string]interface{}{
		"latency_profile_ms": 25.0,
	})
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("send join: %v", err)
	}
}

// awaitType reads frames until one of the wanted type arrives, skipping
// everything else (audio chunks flow continuously once the host is live).
func awaitType(t *testing.T, ws *websocket.Conn, want protocol.MessageType, timeout time.Duration) json.RawMessage {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(timeout))
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Type == want {
			return env.Payload
		}
	}
}

func TestJoinAcceptReportsNodeCount(t *testing.T) {
	h := startHost(t, testConfig())
	ws := dialHost(t, h)

	sendJoin(t, ws, "node-a", h.Session().Code())

	payload := awaitType(t, ws, protocol.TypeJoinAccept, 2*time.Second)
	var accept protocol.JoinAccept
	if err := json.Unmarshal(payload, &accept); err != nil {
		t.Fatalf("unmarshal accept: %v", err)
	}

	if accept.DeviceID != "node-a" {
		t.Errorf("accept device_id = %q, want node-a", accept.DeviceID)
	}
	if accept.Session.NodeCount != 1 {
		t.Errorf("accept node_count = %d, want 1", accept.Session.NodeCount)
	}
	if accept.Session.Code != h.Session().Code() {
		t.Errorf("accept session code = %q, want %q", accept.Session.Code, h.Session().Code())
	}
}

func TestJoinWrongCodeRejected(t *testing.T) {
	h := startHost(t, testConfig())
	ws := dialHost(t, h)

	sendJoin(t, ws, "node-b", "HM-0000-wrong")

	payload := awaitType(t, ws, protocol.TypeJoinReject, 2*time.Second)
	var reject protocol.JoinReject
	if err := json.Unmarshal(payload, &reject); err != nil {
		t.Fatalf("unmarshal reject: %v", err)
	}
	if reject.Reason != "invalid session code" {
		t.Errorf("reject reason = %q", reject.Reason)
	}
	if got := h.Session().NodeCount(); got != 0 {
		t.Errorf("node count after rejected join = %d, want 0", got)
	}
}

func TestDuplicateDeviceRejected(t *testing.T) {
	h := startHost(t, testConfig())
	code := h.Session().Code()

	ws1 := dialHost(t, h)
	sendJoin(t, ws1, "node-dup", code)
	awaitType(t, ws1, protocol.TypeJoinAccept, 2*time.Second)

	ws2 := dialHost(t, h)
	sendJoin(t, ws2, "node-dup", code)

	payload := awaitType(t, ws2, protocol.TypeJoinReject, 2*time.Second)
	var reject protocol.JoinReject
	if err := json.Unmarshal(payload, &reject); err != nil {
		t.Fatalf("unmarshal reject: %v", err)
	}
	if reject.Reason != "device already joined" {
		t.Errorf("reject reason = %q", reject.Reason)
	}
	if got := h.Session().NodeCount(); got != 1 {
		t.Errorf("node count = %d, want 1", got)
	}
}

func TestHeartbeatAcked(t *testing.T) {
	h := startHost(t, testConfig())
	ws := dialHost(t, h)

	sendJoin(t, ws, "node-hb", h.Session().Code())
	awaitType(t, ws, protocol.TypeJoinAccept, 2*time.Second)

	if err := ws.WriteJSON(protocol.NewHeartbeat("node-hb")); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}

	payload := awaitType(t, ws, protocol.TypeHeartbeatAck, 2*time.Second)
	var ack protocol.HeartbeatAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.DeviceID != "node-hb" {
		t.Errorf("ack device_id = %q, want node-hb", ack.DeviceID)
	}
}

func TestHeartbeatForForeignDeviceIgnored(t *testing.T) {
	h := startHost(t, testConfig())
	code := h.Session().Code()

	wsVictim := dialHost(t, h)
	sendJoin(t, wsVictim, "node-victim", code)
	awaitType(t, wsVictim, protocol.TypeJoinAccept, 2*time.Second)

	victimBefore, ok := h.Session().Node("node-victim")
	if !ok {
		t.Fatal("victim node missing")
	}

	wsSpoof := dialHost(t, h)
	sendJoin(t, wsSpoof, "node-spoof", code)
	awaitType(t, wsSpoof, protocol.TypeJoinAccept, 2*time.Second)

	// A joined node heartbeats on another node's behalf, then for itself.
	// Messages on one connection are handled in order, so if the foreign
	// heartbeat had been acked, that ack would arrive first.
	if err := wsSpoof.WriteJSON(protocol.NewHeartbeat("node-victim")); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	if err := wsSpoof.WriteJSON(protocol.NewHeartbeat("node-spoof")); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}

	payload := awaitType(t, wsSpoof, protocol.TypeHeartbeatAck, 2*time.Second)
	var ack protocol.HeartbeatAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.DeviceID != "node-spoof" {
		t.Errorf("first ack device_id = %q, want node-spoof", ack.DeviceID)
	}

	victimAfter, ok := h.Session().Node("node-victim")
	if !ok {
		t.Fatal("victim node missing after spoof attempt")
	}
	if victimAfter.LastSeen.After(victimBefore.LastSeen) {
		t.Error("foreign heartbeat moved the victim's last_seen")
	}
}

func TestTimeSyncEchoesClientTimeExactly(t *testing.T) {
	h := startHost(t, testConfig())
	ws := dialHost(t, h)

	sendJoin(t, ws, "node-ts", h.Session().Code())
	awaitType(t, ws, protocol.TypeJoinAccept, 2*time.Second)

	clientTime := 1723456789.123456
	if err := ws.WriteJSON(protocol.NewTimeSyncRequest(clientTime)); err != nil {
		t.Fatalf("send time sync: %v", err)
	}

	payload := awaitType(t, ws, protocol.TypeTimeSyncResponse, 2*time.Second)
	var resp protocol.TimeSyncResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ClientTime != clientTime {
		t.Errorf("echoed client_time = %v, want %v", resp.ClientTime, clientTime)
	}
	if resp.HostTime <= 0 {
		t.Errorf("host_time = %v, want positive", resp.HostTime)
	}
}

func TestAudioChunkScheduledInFuture(t *testing.T) {
	h := startHost(t, testConfig())
	ws := dialHost(t, h)

	joinedAt := float64(time.Now().UnixNano()) / 1e9

	sendJoin(t, ws, "node-audio", h.Session().Code())
	awaitType(t, ws, protocol.TypeJoinAccept, 2*time.Second)

	payload := awaitType(t, ws, protocol.TypeAudioChunk, 2*time.Second)
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}

	// Any chunk delivered to us was issued after we connected, and issue +
	// look-ahead must land in the future relative to that.
	if chunk.PlayAt <= joinedAt {
		t.Errorf("play_at %v not after join time %v", chunk.PlayAt, joinedAt)
	}
	if chunk.SampleRate != 8000 || chunk.Channels != 1 {
		t.Errorf("chunk format = %d/%d, want 8000/1", chunk.SampleRate, chunk.Channels)
	}
}

func TestPreAuthMessagesGetNoReply(t *testing.T) {
	h := startHost(t, testConfig())
	ws := dialHost(t, h)

	if err := ws.WriteJSON(protocol.NewHeartbeat("ghost")); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	if err := ws.WriteJSON(protocol.NewTimeSyncRequest(123.456)); err != nil {
		t.Fatalf("send time sync: %v", err)
	}

	// Audio chunks still flow to all connected peers; only replies to the
	// unauthenticated messages must be absent.
	ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			break // deadline: no forbidden replies seen
		}
		switch env.Type {
		case protocol.TypeHeartbeatAck, protocol.TypeTimeSyncResponse:
			t.Fatalf("got %s reply before authentication", env.Type)
		}
	}

	if got := h.Session().NodeCount(); got != 0 {
		t.Errorf("node count = %d, want 0", got)
	}
}

func TestStaleNodeEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	cfg.MonitorInterval = 50 * time.Millisecond
	h := startHost(t, cfg)

	ws := dialHost(t, h)
	sendJoin(t, ws, "node-stale", h.Session().Code())
	awaitType(t, ws, protocol.TypeJoinAccept, 2*time.Second)

	if got := h.GetStatus().NodeCount; got != 1 {
		t.Fatalf("node count after join = %d, want 1", got)
	}

	// No heartbeats: the monitor should evict within a few cycles
	deadline := time.Now().Add(2 * time.Second)
	for h.GetStatus().NodeCount != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stale node was not evicted")
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestScheduleTrackAnnounced(t *testing.T) {
	h := startHost(t, testConfig())
	ws := dialHost(t, h)

	sendJoin(t, ws, "node-sched", h.Session().Code())
	awaitType(t, ws, protocol.TypeJoinAccept, 2*time.Second)

	startAt := h.ScheduleTrack("http://example.com/song.mp3", 5.0)
	if startAt <= float64(time.Now().UnixNano())/1e9 {
		t.Errorf("start_at %v not in the future", startAt)
	}

	payload := awaitType(t, ws, protocol.TypeScheduleTrack, 2*time.Second)
	var track protocol.TrackSchedule
	if err := json.Unmarshal(payload, &track); err != nil {
		t.Fatalf("unmarshal track: %v", err)
	}
	if track.TrackURL != "http://example.com/song.mp3" {
		t.Errorf("track_url = %q", track.TrackURL)
	}
	if track.StartAt != startAt {
		t.Errorf("start_at = %v, want %v", track.StartAt, startAt)
	}

	info := h.Session().Info()
	if len(info.Scheduled) != 1 {
		t.Fatalf("scheduled tracks = %d, want 1", len(info.Scheduled))
	}
}

func TestRotateSessionCodeInvalidatesOldCode(t *testing.T) {
	h := startHost(t, testConfig())
	oldCode := h.Session().Code()

	newCode := h.CreateSessionCode()
	if newCode == oldCode {
		t.Skip("rotation produced identical code") // 1-in-10000 draw
	}

	ws := dialHost(t, h)
	sendJoin(t, ws, "node-old-code", oldCode)
	awaitType(t, ws, protocol.TypeJoinReject, 2*time.Second)

	ws2 := dialHost(t, h)
	sendJoin(t, ws2, "node-new-code", newCode)
	awaitType(t, ws2, protocol.TypeJoinAccept, 2*time.Second)
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	h, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.Stop()
	if err := h.StopHost(); err != nil {
		t.Errorf("StopHost on never-started host: %v", err)
	}
}

func TestStartHostBindFailureIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.ListenAddr = ln.Addr().String()
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := h.StartHost(); err == nil {
		t.Fatal("expected bind failure on occupied port")
	}
	if h.Running() {
		t.Error("host reports running after failed start")
	}

	// Same host starts cleanly once the port frees up
	ln.Close()
	if err := h.StartHost(); err != nil {
		t.Fatalf("retry after bind failure: %v", err)
	}
	defer h.Stop()

	if !h.Running() {
		t.Error("host not running after successful retry")
	}
}

func TestCalibrationRecordsLatency(t *testing.T) {
	h := startHost(t, testConfig())
	ws := dialHost(t, h)

	sendJoin(t, ws, "node-cal", h.Session().Code())
	awaitType(t, ws, protocol.TypeJoinAccept, 2*time.Second)

	// Calibration is async; poll until the estimate lands
	deadline := time.Now().Add(2 * time.Second)
	for {
		node, ok := h.Session().Node("node-cal")
		if ok && node.LatencyMs == 25.0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("latency never calibrated, node=%+v ok=%v", node, ok)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
