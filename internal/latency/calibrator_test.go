// ABOUTME: Tests for latency estimate derivation
package latency

import (
	"testing"
	"time"

	"github.com/hivemind-audio/hivemind-go/internal/session"
)

func TestCalibrateFromMetadata(t *testing.T) {
	c := NewCalibrator(time.Second)

	tests := []struct {
		name string
		meta map[string]interface{}
		want float64
	}{
		{"json number", map[string]interface{}{"latency_profile_ms": 75.5}, 75.5},
		{"integer", map[string]interface{}{"latency_profile_ms": 30}, 30},
		{"missing key", map[string]interface{}{}, DefaultProfileMs},
		{"nil metadata", nil, DefaultProfileMs},
		{"non-numeric", map[string]interface{}{"latency_profile_ms": "fast"}, DefaultProfileMs},
		{"non-positive", map[string]interface{}{"latency_profile_ms": -10.0}, DefaultProfileMs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Calibrate(session.Node{Metadata: tt.meta})
			if got != tt.want {
				t.Errorf("Calibrate = %v, want %v", got, tt.want)
			}
		})
	}
}
