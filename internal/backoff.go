package internal

import "time"

// backoffMinWait is the wait before the first retry.
const backoffMinWait = 50 * time.Millisecond

// NewBackoff returns a Backoff that starts at backoffMinWait and doubles up
// to maxWait on each Miss, for retrying a single outbound HTTP fetch against
// a remote origin that may be transiently unavailable.
func NewBackoff(maxWait time.Duration) Backoff {
	return Backoff{
		wait:      uint32(backoffMinWait),
		maxWait:   uint32(maxWait),
		startWait: uint32(backoffMinWait),
	}
}

// A Backoff with a non-zero MaxWait is ready for use.
type Backoff struct {
	// wait defines the amount of time that Miss will wait on next call.
	wait uint32
	// Maximum allowable value for Wait.
	maxWait uint32
	// startWait is the intial Wait value, as well as the value that Wait takes after a call to Hit.
	startWait uint32
}

// Hit sets eb.Wait to the StartWait value.
func (eb *Backoff) Hit() {
	if eb.maxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	eb.wait = eb.startWait
}

// Miss sleeps for eb.Wait and increases eb.Wait exponentially.
func (eb *Backoff) Miss() {
	if eb.maxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	time.Sleep(time.Duration(eb.wait))
	eb.wait *= 2
	if eb.wait > eb.maxWait {
		eb.wait = eb.maxWait
	}
}
