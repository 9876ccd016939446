// ABOUTME: Paces a PCM source into fixed-duration chunks for distribution
// ABOUTME: GetChunk offers a bounded wait so the caller's loop stays responsive
package capture

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Capture pulls from a Source on a fixed cadence and hands out chunks.
// When the consumer falls behind, the oldest chunk is dropped so latency
// does not accumulate.
type Capture struct {
	source   Source
	chunkDur time.Duration
	chunks   chan []int16

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewCapture wraps a source with a chunking pacer.
func NewCapture(source Source, chunkDur time.Duration) *Capture {
	return &Capture{
		source:   source,
		chunkDur: chunkDur,
		chunks:   make(chan []int16, 8),
	}
}

// ChunkSamples returns the interleaved sample count of one chunk.
func (c *Capture) ChunkSamples() int {
	frames := int(float64(c.source.SampleRate()) * c.chunkDur.Seconds())
	return frames * c.source.Channels()
}

// Start launches the pacer. Safe to call once per Stop.
func (c *Capture) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.pace(c.stopChan)
}

// Stop halts the pacer and waits for it to exit.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()

	c.wg.Wait()
}

// GetChunk returns the next chunk, or nil if none arrives within timeout.
// A nil result is not an error; the capture path may simply be idle.
func (c *Capture) GetChunk(timeout time.Duration) []int16 {
	select {
	case chunk := <-c.chunks:
		return chunk
	case <-time.After(timeout):
		return nil
	}
}

func (c *Capture) pace(stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.chunkDur)
	defer ticker.Stop()

	size := c.ChunkSamples()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		chunk := make([]int16, size)
		n, err := c.source.Read(chunk)
		if err != nil {
			log.Warn().Err(err).Msg("capture source read failed")
			continue
		}
		if n == 0 {
			continue
		}

		select {
		case c.chunks <- chunk[:n]:
		default:
			// Consumer is behind; drop the oldest chunk to bound latency
			select {
			case <-c.chunks:
			default:
			}
			select {
			case c.chunks <- chunk[:n]:
			default:
			}
		}
	}
}
