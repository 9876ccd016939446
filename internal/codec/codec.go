// ABOUTME: Audio codec abstraction for the broadcast path
// ABOUTME: PCM passthrough plus an Opus implementation behind one interface
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Codec encodes captured PCM for the wire and decodes it back node-side.
type Codec interface {
	// Encode converts interleaved int16 PCM to wire bytes.
	Encode(pcm []int16) ([]byte, error)
	// Decode converts wire bytes back to interleaved int16 PCM.
	Decode(data []byte) ([]int16, error)
	// Name identifies the codec ("pcm" or "opus").
	Name() string
}

// PCM is a passthrough codec: little-endian int16 bytes.
type PCM struct{}

func (PCM) Name() string { return "pcm" }

func (PCM) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}

func (PCM) Decode(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm data length %d is not sample-aligned", len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

// Manager selects a codec for the session, falling back to PCM when Opus
// cannot be initialized for the configured format.
type Manager struct {
	codec Codec
}

// NewManager builds a codec manager. frameSize is samples per channel per
// chunk; Opus only accepts specific frame durations, so an incompatible
// format degrades to PCM with a warning.
func NewManager(useCompression bool, sampleRate, channels, frameSize int) *Manager {
	if !useCompression {
		return &Manager{codec: PCM{}}
	}

	opus, err := NewOpus(sampleRate, channels, frameSize)
	if err != nil {
		log.Warn().Err(err).Msg("opus unavailable, falling back to pcm")
		return &Manager{codec: PCM{}}
	}
	return &Manager{codec: opus}
}

// Encode delegates to the selected codec.
func (m *Manager) Encode(pcm []int16) ([]byte, error) {
	return m.codec.Encode(pcm)
}

// Decode delegates to the selected codec.
func (m *Manager) Decode(data []byte) ([]int16, error) {
	return m.codec.Decode(data)
}

// Name returns the selected codec's name.
func (m *Manager) Name() string {
	return m.codec.Name()
}
