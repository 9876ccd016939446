// ABOUTME: Host-side clock synchronization responder
// ABOUTME: Answers each sync request with the host clock and an exact echo of the client clock
package clocksync

import "time"

// Service answers time-sync exchanges. The host keeps no per-node sync
// state: it reads its clock and echoes the client's reading unchanged, and
// the node derives its offset from the round trip. Smoothing and outlier
// rejection happen node-side.
type Service struct {
	now func() time.Time
}

// NewService creates a clock sync service.
func NewService() *Service {
	return &Service{now: time.Now}
}

// HandleSyncRequest returns the host's reference time in Unix seconds and
// the client time exactly as received.
func (s *Service) HandleSyncRequest(clientTime float64) (hostTime, echoedClientTime float64) {
	hostTime = float64(s.now().UnixNano()) / 1e9
	return hostTime, clientTime
}
