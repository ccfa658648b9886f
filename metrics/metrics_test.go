package metrics

import "testing"

func TestSessionSnapshot(t *testing.T) {
	s := &Session{}
	s.SetWindowSize(16)
	s.IncRetransmits(3)
	s.IncTimeouts()
	s.IncSyntheticDrops()
	s.SetBlocksACKed(5)
	s.SetBlocksACKed(2) // must not regress

	snap := s.snapshot()
	if snap.WindowSize != 16 || snap.Retransmits != 3 || snap.Timeouts != 1 ||
		snap.SyntheticDrops != 1 || snap.BlocksACKed != 5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCollectorTrackUntrack(t *testing.T) {
	c := NewCollector(nil)
	s := &Session{}
	c.Track("sess1", s)
	c.mu.Lock()
	_, ok := c.sessions["sess1"]
	c.mu.Unlock()
	if !ok {
		t.Fatal("want session tracked")
	}
	c.Untrack("sess1")
	c.mu.Lock()
	_, ok = c.sessions["sess1"]
	c.mu.Unlock()
	if ok {
		t.Fatal("want session untracked")
	}
}
