// ABOUTME: Integration tests for the node client against a live host
package node

import (
	"errors"
	"testing"
	"time"

	"github.com/hivemind-audio/hivemind-go/internal/host"
)

func startTestHost(t *testing.T) *host.Host {
	t.Helper()

	h, err := host.New(host.Config{
		ListenAddr:        "localhost:0",
		Name:              "client-test-host",
		LookAhead:         200 * time.Millisecond,
		ChunkDuration:     50 * time.Millisecond,
		SampleRate:        8000,
		Channels:          1,
		HeartbeatTimeout:  time.Minute,
		MonitorInterval:   time.Minute,
		MasterVolume:      1.0,
		CalibrationSettle: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("host.New: %v", err)
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

func TestClientJoinsSyncsAndReceivesAudio(t *testing.T) {
	h := startTestHost(t)

	c := NewClient(Config{
		HostAddr:     h.Addr(),
		SessionCode:  h.Session().Code(),
		DeviceName:   "test-node",
		SyncInterval: 100 * time.Millisecond,
	})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if got := c.Session().NodeCount; got != 1 {
		t.Errorf("session node_count = %d, want 1", got)
	}

	// The sync loop probes immediately; an offset sample should land fast
	deadline := time.Now().Add(2 * time.Second)
	for c.Estimator().SampleCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no clock sync sample arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Host and node share a machine clock, so the offset must be tiny
	if off := c.Estimator().Offset(); off < -0.5 || off > 0.5 {
		t.Errorf("offset = %v s, want near zero on shared clock", off)
	}

	select {
	case chunk := <-c.Chunks():
		if chunk.SampleRate != 8000 || chunk.Channels != 1 {
			t.Errorf("chunk format = %d/%d, want 8000/1", chunk.SampleRate, chunk.Channels)
		}
		if len(chunk.Data) == 0 {
			t.Error("chunk carried no audio data")
		}
		if chunk.PlayAt <= 0 {
			t.Errorf("chunk play_at = %v", chunk.PlayAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio chunk arrived")
	}
}

func TestClientRejectedOnWrongCode(t *testing.T) {
	h := startTestHost(t)

	c := NewClient(Config{
		HostAddr:    h.Addr(),
		SessionCode: "HM-not-the-code",
		DeviceName:  "test-node",
	})
	err := c.Connect()
	if err == nil {
		c.Close()
		t.Fatal("expected join rejection")
	}
	if !errors.Is(err, ErrRejected) {
		t.Errorf("error = %v, want ErrRejected", err)
	}
	if got := h.Session().NodeCount(); got != 0 {
		t.Errorf("node count = %d, want 0", got)
	}
}

func TestClientConnectFailsWhenHostDown(t *testing.T) {
	c := NewClient(Config{
		HostAddr:    "localhost:1", // nothing listens here
		SessionCode: "HM-0000",
	})
	if err := c.Connect(); err == nil {
		c.Close()
		t.Fatal("expected dial failure")
	}
}
