// ABOUTME: Post-join latency calibration for admitted nodes
// ABOUTME: Derives an estimate from the node's advertised latency profile
package latency

import (
	"time"

	"github.com/hivemind-audio/hivemind-go/internal/session"
)

// DefaultProfileMs is assumed when a node advertises no latency profile.
const DefaultProfileMs = 50.0

// Calibrator produces a per-node latency estimate shortly after join. The
// settle delay lets the node's connection and buffers stabilize before the
// estimate is recorded.
type Calibrator struct {
	settle time.Duration
}

// NewCalibrator creates a calibrator with the given settle delay.
func NewCalibrator(settle time.Duration) *Calibrator {
	return &Calibrator{settle: settle}
}

// Settle returns the delay calibration waits after a join.
func (c *Calibrator) Settle() time.Duration {
	return c.settle
}

// Calibrate computes a latency estimate for a node from its join metadata.
// Numeric JSON values arrive as float64; integer literals from tests or
// native callers are handled too.
func (c *Calibrator) Calibrate(node session.Node) float64 {
	if node.Metadata == nil {
		return DefaultProfileMs
	}
	switch v := node.Metadata["latency_profile_ms"].(type) {
	case float64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return float64(v)
		}
	}
	return DefaultProfileMs
}
