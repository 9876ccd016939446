// ABOUTME: Opus codec for bandwidth-efficient audio broadcast
// ABOUTME: Wraps libopus encode and decode for interleaved int16 PCM
package codec

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gopkg.in/hraban/opus.v2"
)

// Opus compresses PCM with libopus. frameSize is samples per channel per
// packet (e.g. 960 for 20ms at 48kHz); Opus rejects other durations.
type Opus struct {
	encoder    *opus.Encoder
	decoder    *opus.Decoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewOpus creates an Opus codec for the given format.
func NewOpus(sampleRate, channels, frameSize int) (*Opus, error) {
	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	// 64 kbps per channel is plenty for music at these rates
	if err := encoder.SetBitrate(64000 * channels); err != nil {
		log.Warn().Err(err).Msg("failed to set opus bitrate")
	}

	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	return &Opus{
		encoder:    encoder,
		decoder:    decoder,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
	}, nil
}

func (o *Opus) Name() string { return "opus" }

// Encode compresses one frame of interleaved PCM.
func (o *Opus) Encode(pcm []int16) ([]byte, error) {
	// Opus packets never exceed 4000 bytes
	out := make([]byte, 4000)
	n, err := o.encoder.Encode(pcm, out)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return out[:n], nil
}

// Decode expands one Opus packet to interleaved PCM.
func (o *Opus) Decode(data []byte) ([]int16, error) {
	out := make([]int16, o.frameSize*o.channels)
	n, err := o.decoder.Decode(data, out)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return out[:n*o.channels], nil
}
