// Package rtt implements the exponentially-weighted-moving-average timing
// estimators used by the send and receive engines: a round-trip-time
// estimator on the sender, and an inter-packet-arrival-gap estimator on the
// receiver.
package rtt

import "time"

// initialAverage is the RTT estimate before any sample has been observed.
const initialAverage = time.Second

// Estimator is an EWMA round-trip-time estimator:
//
//	average <- sample/16 + average*15/16
//
// The zero value is not ready for use; call New.
type Estimator struct {
	average time.Duration
	now     func() time.Time
}

// New returns an Estimator seeded at a 1-second initial average. now is
// injectable for deterministic tests, following the same clock-injection
// pattern used elsewhere in this module; a nil now defaults to time.Now.
func New(now func() time.Time) Estimator {
	if now == nil {
		now = time.Now
	}
	return Estimator{average: initialAverage, now: now}
}

// Average returns the current RTT estimate.
func (e *Estimator) Average() time.Duration { return e.average }

// Observe folds a single round-trip sample into the moving average.
func (e *Estimator) Observe(sample time.Duration) {
	e.average = sample/16 + e.average*15/16
}

// Now returns the estimator's time source. Exposed so callers can timestamp
// sends with the same clock the estimator will later use to compute
// samples.
func (e *Estimator) Now() time.Time { return e.now() }

// ReadTimeout returns the socket read timeout the send engine should apply,
// derived directly from the current RTT average.
func (e *Estimator) ReadTimeout() time.Duration { return e.average }

// GapEstimator is the receive-side symmetric EWMA of inter-packet arrival
// gaps. Its derived read timeout is the gap estimate times 3/2.
type GapEstimator struct {
	gap  time.Duration
	last time.Time
	now  func() time.Time
}

// NewGap returns a GapEstimator seeded at the 1-second initial average.
func NewGap(now func() time.Time) GapEstimator {
	if now == nil {
		now = time.Now
	}
	return GapEstimator{gap: initialAverage, now: now}
}

// Observe records an arrival at the estimator's current time and folds the
// gap since the previous arrival into the moving average. The first call
// only establishes last and does not update the average, since no gap is
// yet observable.
func (g *GapEstimator) Observe() {
	now := g.now()
	if !g.last.IsZero() {
		sample := now.Sub(g.last)
		g.gap = sample/16 + g.gap*15/16
	}
	g.last = now
}

// ReadTimeout returns the arrival-gap estimate scaled by 3/2.
func (g *GapEstimator) ReadTimeout() time.Duration {
	return g.gap + g.gap/2
}

// Now returns the estimator's time source.
func (g *GapEstimator) Now() time.Time { return g.now() }
