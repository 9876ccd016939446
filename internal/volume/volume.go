// ABOUTME: Master volume shaping for outgoing PCM
package volume

import "sync"

// Controller applies a master gain to PCM samples before encoding.
type Controller struct {
	mu     sync.RWMutex
	master float64
}

// NewController creates a controller. Gain is clamped to [0, 1].
func NewController(master float64) *Controller {
	c := &Controller{}
	c.SetMaster(master)
	return c
}

// SetMaster updates the master gain, clamped to [0, 1].
func (c *Controller) SetMaster(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	c.mu.Lock()
	c.master = v
	c.mu.Unlock()
}

// Master returns the current master gain.
func (c *Controller) Master() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.master
}

// Apply scales samples in place by the master gain and returns the slice.
func (c *Controller) Apply(samples []int16) []int16 {
	gain := c.Master()
	if gain == 1.0 {
		return samples
	}
	for i, s := range samples {
		scaled := float64(s) * gain
		if scaled > 32767 {
			scaled = 32767
		}
		if scaled < -32768 {
			scaled = -32768
		}
		samples[i] = int16(scaled)
	}
	return samples
}
