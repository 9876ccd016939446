// ABOUTME: Assigns future play-at timestamps to outgoing audio chunks
// ABOUTME: Fixed look-ahead absorbs encode, fan-out, and node-side decode latency
package schedule

import (
	"errors"
	"time"
)

// ErrStaleChunk means the computed play time is not safely in the future.
// The chunk must be dropped for this cycle rather than sent with a stale
// timestamp.
var ErrStaleChunk = errors.New("chunk play time is not ahead of now")

// Format is the output format the session has committed to.
type Format struct {
	SampleRate int
	Channels   int
}

// ChunkSchedule is the timing and format broadcast with one audio chunk.
type ChunkSchedule struct {
	PlayAt     time.Time
	SampleRate int
	Channels   int
}

// Scheduler computes chunk schedules. It is a pure function of (now,
// look-ahead, format): no per-chunk history, no I/O.
type Scheduler struct {
	lookAhead time.Duration
	format    Format
	now       func() time.Time
}

// New creates a scheduler with a fixed look-ahead window.
func New(lookAhead time.Duration, format Format) *Scheduler {
	return &Scheduler{
		lookAhead: lookAhead,
		format:    format,
		now:       time.Now,
	}
}

// LookAhead returns the configured look-ahead window.
func (s *Scheduler) LookAhead() time.Duration {
	return s.lookAhead
}

// Format returns the session's committed output format.
func (s *Scheduler) Format() Format {
	return s.format
}

// ScheduleChunk computes the play-at time for a chunk issued now. Returns
// ErrStaleChunk when the result would not be strictly in the future, which
// only happens with a non-positive look-ahead or a clock anomaly.
func (s *Scheduler) ScheduleChunk() (ChunkSchedule, error) {
	now := s.now()
	playAt := now.Add(s.lookAhead)
	if !playAt.After(now) {
		return ChunkSchedule{}, ErrStaleChunk
	}
	return ChunkSchedule{
		PlayAt:     playAt,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
	}, nil
}

// PlayAtSeconds converts a schedule's play time to wire form (Unix seconds).
func (c ChunkSchedule) PlayAtSeconds() float64 {
	return float64(c.PlayAt.UnixNano()) / 1e9
}
