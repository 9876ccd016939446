// ABOUTME: PCM sources for the host's capture path
// ABOUTME: Test tone, MP3 file, and HTTP MP3 stream behind one interface
package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog/log"
)

// Source provides interleaved int16 PCM samples.
type Source interface {
	// Read fills samples with interleaved PCM. Returns samples read.
	Read(samples []int16) (int, error)
	// SampleRate returns the source sample rate.
	SampleRate() int
	// Channels returns the channel count.
	Channels() int
	// Close releases the source.
	Close() error
}

// NewSource builds a source from a path or URL. Empty input yields a test
// tone; http(s) URLs stream MP3; local paths must be .mp3 files.
func NewSource(pathOrURL string, sampleRate, channels int) (Source, error) {
	if pathOrURL == "" {
		return NewToneSource(sampleRate, channels), nil
	}

	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return NewHTTPMP3Source(pathOrURL)
	}

	if _, err := os.Stat(pathOrURL); os.IsNotExist(err) {
		return nil, fmt.Errorf("audio file not found: %s", pathOrURL)
	}
	if ext := strings.ToLower(filepath.Ext(pathOrURL)); ext != ".mp3" {
		return nil, fmt.Errorf("unsupported audio format %s (supported: .mp3)", ext)
	}
	return NewMP3Source(pathOrURL)
}

// ToneSource generates a 440Hz sine for demos and tests.
type ToneSource struct {
	mu          sync.Mutex
	sampleIndex uint64
	frequency   float64
	sampleRate  int
	channels    int
}

// NewToneSource creates a test tone generator.
func NewToneSource(sampleRate, channels int) *ToneSource {
	if sampleRate == 0 {
		sampleRate = 48000
	}
	if channels == 0 {
		channels = 2
	}
	return &ToneSource{
		frequency:  440.0, // A4
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (s *ToneSource) Read(samples []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := len(samples) / s.channels
	for i := 0; i < frames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.sampleRate)
		// Half amplitude to avoid clipping downstream gain stages
		v := int16(math.Sin(2*math.Pi*s.frequency*t) * 32767 * 0.5)
		for ch := 0; ch < s.channels; ch++ {
			samples[i*s.channels+ch] = v
		}
	}
	s.sampleIndex += uint64(frames)
	return frames * s.channels, nil
}

func (s *ToneSource) SampleRate() int { return s.sampleRate }
func (s *ToneSource) Channels() int   { return s.channels }
func (s *ToneSource) Close() error    { return nil }

// MP3Source reads a local MP3 file, looping at EOF.
type MP3Source struct {
	file       *os.File
	decoder    *mp3.Decoder
	sampleRate int
}

// NewMP3Source opens and decodes a local MP3 file.
func NewMP3Source(path string) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mp3: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode mp3: %w", err)
	}

	log.Info().Str("file", filepath.Base(path)).Int("sample_rate", decoder.SampleRate()).Msg("loaded mp3 source")

	return &MP3Source{file: f, decoder: decoder, sampleRate: decoder.SampleRate()}, nil
}

func (s *MP3Source) Read(samples []int16) (int, error) {
	buf := make([]byte, len(samples)*2)
	n, err := s.decoder.Read(buf)
	if err != nil && err != io.EOF {
		return 0, err
	}

	count := n / 2
	for i := 0; i < count; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}

	if err == io.EOF {
		// Loop: rewind and restart the decoder
		if _, seekErr := s.file.Seek(0, 0); seekErr != nil {
			return count, fmt.Errorf("rewind mp3: %w", seekErr)
		}
		decoder, decErr := mp3.NewDecoder(s.file)
		if decErr != nil {
			return count, fmt.Errorf("restart mp3 decoder: %w", decErr)
		}
		s.decoder = decoder
	}

	return count, nil
}

func (s *MP3Source) SampleRate() int { return s.sampleRate }
func (s *MP3Source) Channels() int   { return 2 } // go-mp3 always outputs stereo
func (s *MP3Source) Close() error    { return s.file.Close() }

// HTTPMP3Source streams MP3 over HTTP. Ends at EOF rather than looping.
type HTTPMP3Source struct {
	response   *http.Response
	decoder    *mp3.Decoder
	sampleRate int
}

// NewHTTPMP3Source starts streaming MP3 from a URL.
func NewHTTPMP3Source(url string) (*HTTPMP3Source, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch stream: %s", resp.Status)
	}

	decoder, err := mp3.NewDecoder(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decode mp3 stream: %w", err)
	}

	log.Info().Str("url", url).Int("sample_rate", decoder.SampleRate()).Msg("streaming mp3 source")

	return &HTTPMP3Source{response: resp, decoder: decoder, sampleRate: decoder.SampleRate()}, nil
}

func (s *HTTPMP3Source) Read(samples []int16) (int, error) {
	buf := make([]byte, len(samples)*2)
	n, err := s.decoder.Read(buf)
	if err != nil {
		return 0, err
	}

	count := n / 2
	for i := 0; i < count; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return count, nil
}

func (s *HTTPMP3Source) SampleRate() int { return s.sampleRate }
func (s *HTTPMP3Source) Channels() int   { return 2 }
func (s *HTTPMP3Source) Close() error    { return s.response.Body.Close() }
