// ABOUTME: Node-side clock offset estimation from time-sync round trips
// ABOUTME: Smooths samples and rejects congested round trips
package node

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Quality classifies the current offset estimate.
type Quality int

const (
	QualityLost Quality = iota
	QualityDegraded
	QualityGood
)

const (
	// smoothingRate weighs new samples into the running estimate.
	smoothingRate = 0.1

	// maxRTT discards samples taken during network congestion.
	maxRTT = 0.1 // seconds

	// maxResidual discards samples that disagree wildly with the running
	// estimate, which suggests a clock jump or a bad round trip.
	maxResidual = 0.05 // seconds

	goodRTT       = 0.05 // seconds
	syncLostAfter = 15 * time.Second
)

// Estimator tracks the offset between the host's clock and this node's, in
// seconds (positive = host ahead). Each time-sync round trip contributes one
// sample; the node timestamps the request on send and the response on
// receipt, and the host's reading is assumed to fall at the midpoint.
type Estimator struct {
	mu          sync.RWMutex
	offset      float64
	rtt         float64
	sampleCount int
	lastSample  time.Time
}

// NewEstimator creates an estimator with no samples.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// AddSample folds one round trip into the estimate. hostTime is the host's
// clock reading; clientSent and clientRecv are this node's clock at request
// send and response receipt. All in Unix seconds.
func (e *Estimator) AddSample(hostTime, clientSent, clientRecv float64) {
	rtt := clientRecv - clientSent
	if rtt < 0 {
		log.Debug().Float64("rtt", rtt).Msg("discarding sync sample: non-monotonic clock")
		return
	}
	if rtt > maxRTT {
		log.Debug().Float64("rtt", rtt).Msg("discarding sync sample: high rtt")
		return
	}

	measured := hostTime - (clientSent + rtt/2)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rtt = rtt
	e.lastSample = time.Now()

	if e.sampleCount == 0 {
		e.offset = measured
		e.sampleCount++
		log.Info().Float64("offset_s", e.offset).Float64("rtt_s", rtt).Msg("initial clock sync")
		return
	}

	residual := measured - e.offset
	if residual > maxResidual || residual < -maxResidual {
		log.Debug().Float64("residual", residual).Msg("discarding sync sample: large residual")
		return
	}

	e.offset += smoothingRate * residual
	e.sampleCount++
}

// Offset returns the current estimate in seconds (positive = host ahead).
func (e *Estimator) Offset() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offset
}

// RTT returns the most recent accepted round-trip time in seconds.
func (e *Estimator) RTT() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rtt
}

// SampleCount returns how many samples have been folded in.
func (e *Estimator) SampleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sampleCount
}

// Quality classifies the estimate by sample freshness and round-trip time.
func (e *Estimator) Quality() Quality {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.sampleCount == 0 || time.Since(e.lastSample) > syncLostAfter {
		return QualityLost
	}
	if e.rtt > goodRTT {
		return QualityDegraded
	}
	return QualityGood
}

// HostToLocal converts a host timestamp (Unix seconds) to local wall time.
// Before any sample arrives the clocks are assumed identical.
func (e *Estimator) HostToLocal(hostTime float64) time.Time {
	local := hostTime - e.Offset()
	return time.Unix(0, int64(local*1e9))
}
