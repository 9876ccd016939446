// ABOUTME: Tests for the host-side sync responder
package clocksync

import (
	"testing"
	"time"
)

func TestHandleSyncRequestEchoesExactly(t *testing.T) {
	s := NewService()

	clientTime := 1717171717.987654321
	_, echoed := s.HandleSyncRequest(clientTime)
	if echoed != clientTime {
		t.Errorf("client_time must be echoed exactly: sent %v, got %v", clientTime, echoed)
	}
}

func TestHandleSyncRequestUsesHostClock(t *testing.T) {
	s := NewService()
	fixed := time.Unix(1717171717, 500000000)
	s.now = func() time.Time { return fixed }

	hostTime, _ := s.HandleSyncRequest(0)
	if hostTime != 1717171717.5 {
		t.Errorf("host_time = %v, want 1717171717.5", hostTime)
	}
}
