// Package metrics exposes a prometheus.Collector over the transfer
// engines' counters and gauges. This is explicitly not part of the hard
// core (spec.md §1 lists metrics as an external collaborator, "kept as a
// testable knob"); it is wired here as supporting infrastructure so the
// counters the engines already maintain have somewhere real to go.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates per-session counters into prometheus metrics,
// grounded on the Describe/Collect shape of
// _examples/runZeroInc-sockstats/pkg/exporter/exporter.go's
// TCPInfoCollector.
type Collector struct {
	mu       sync.Mutex
	sessions map[string]*Session

	windowSize     *prometheus.Desc
	retransmits    *prometheus.Desc
	timeouts       *prometheus.Desc
	syntheticDrops *prometheus.Desc
	blocksACKed    *prometheus.Desc
}

// NewCollector returns a ready-to-register Collector. constLabels are
// attached to every exported series (e.g. {"role": "server"}).
func NewCollector(constLabels prometheus.Labels) *Collector {
	labelNames := []string{"session"}
	return &Collector{
		sessions: make(map[string]*Session),
		windowSize: prometheus.NewDesc("tftp_window_size", "Current send window size in blocks.",
			labelNames, constLabels),
		retransmits: prometheus.NewDesc("tftp_retransmits_total", "Total blocks retransmitted.",
			labelNames, constLabels),
		timeouts: prometheus.NewDesc("tftp_timeouts_total", "Total consecutive-timeout events.",
			labelNames, constLabels),
		syntheticDrops: prometheus.NewDesc("tftp_synthetic_drops_total", "Datagrams dropped by the fault-injection knob.",
			labelNames, constLabels),
		blocksACKed: prometheus.NewDesc("tftp_blocks_acked_total", "Highest cumulative ACK block observed.",
			labelNames, constLabels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.windowSize
	ch <- c.retransmits
	ch <- c.timeouts
	ch <- c.syntheticDrops
	ch <- c.blocksACKed
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sessions {
		snap := s.snapshot()
		ch <- prometheus.MustNewConstMetric(c.windowSize, prometheus.GaugeValue, float64(snap.WindowSize), id)
		ch <- prometheus.MustNewConstMetric(c.retransmits, prometheus.CounterValue, float64(snap.Retransmits), id)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(snap.Timeouts), id)
		ch <- prometheus.MustNewConstMetric(c.syntheticDrops, prometheus.CounterValue, float64(snap.SyntheticDrops), id)
		ch <- prometheus.MustNewConstMetric(c.blocksACKed, prometheus.CounterValue, float64(snap.BlocksACKed), id)
	}
}

// Track registers a Session under id so future Collect calls report it.
// Callers should Untrack once the session terminates.
func (c *Collector) Track(id string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[id] = s
}

// Untrack removes a session from future Collect calls.
func (c *Collector) Untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// Snapshot is a point-in-time read of a Session's counters.
type Snapshot struct {
	WindowSize     int
	Retransmits    uint64
	Timeouts       uint64
	SyntheticDrops uint64
	BlocksACKed    uint64
}

// Session holds the live counters for one transfer. Engines update it
// directly; Collector reads it under its own lock via snapshot.
type Session struct {
	mu   sync.Mutex
	snap Snapshot
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// SetWindowSize records the current send window size.
func (s *Session) SetWindowSize(n int) {
	s.mu.Lock()
	s.snap.WindowSize = n
	s.mu.Unlock()
}

// IncRetransmits increments the retransmit counter by n blocks.
func (s *Session) IncRetransmits(n int) {
	s.mu.Lock()
	s.snap.Retransmits += uint64(n)
	s.mu.Unlock()
}

// IncTimeouts increments the consecutive-timeout counter.
func (s *Session) IncTimeouts() {
	s.mu.Lock()
	s.snap.Timeouts++
	s.mu.Unlock()
}

// IncSyntheticDrops increments the fault-injection drop counter.
func (s *Session) IncSyntheticDrops() {
	s.mu.Lock()
	s.snap.SyntheticDrops++
	s.mu.Unlock()
}

// SetBlocksACKed records the highest cumulative ACK block observed.
func (s *Session) SetBlocksACKed(block uint64) {
	s.mu.Lock()
	if block > s.snap.BlocksACKed {
		s.snap.BlocksACKed = block
	}
	s.mu.Unlock()
}
