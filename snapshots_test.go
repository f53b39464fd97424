package rewind

import "testing"

func TestSnapshotsSaveLoad(t *testing.T) {
	s := newSnapshots[testState]()

	for f := Frame(0); f < Frame(len(s.cells)); f++ {
		cell := s.save(f)
		cell.State = testState{tick: int32(f)}
		cell.Checksum = uint64(f) * 31
	}

	for f := Frame(0); f < Frame(len(s.cells)); f++ {
		cell := s.load(f)
		if cell.State.tick != int32(f) || cell.Checksum != uint64(f)*31 {
			t.Errorf("frame %d loaded tick %d checksum %d", f, cell.State.tick, cell.Checksum)
		}
	}
}

func TestSnapshotsEvictInFrameOrder(t *testing.T) {
	s := newSnapshots[testState]()
	capacity := Frame(len(s.cells))

	for f := Frame(0); f < capacity+3; f++ {
		s.save(f).State = testState{tick: int32(f)}
	}

	// The oldest three frames were overwritten, everything else holds.
	for f := Frame(0); f < 3; f++ {
		if s.holds(f) {
			t.Errorf("frame %d still held after eviction", f)
		}
	}
	for f := Frame(3); f < capacity+3; f++ {
		if !s.holds(f) {
			t.Errorf("frame %d evicted early", f)
		}
	}
}

func TestSnapshotsRollbackWindow(t *testing.T) {
	s := newSnapshots[testState]()

	// After saving frame F the engine must be able to rewind to
	// F - MaxPredictionFrames.
	last := Frame(100)
	for f := Frame(0); f <= last; f++ {
		s.save(f)
	}
	if !s.holds(last - MaxPredictionFrames) {
		t.Fatalf("frame %d not held after saving %d", last-MaxPredictionFrames, last)
	}
}

func TestSnapshotsReset(t *testing.T) {
	s := newSnapshots[testState]()
	s.save(0)
	s.reset()
	if s.holds(0) {
		t.Fatal("frame 0 held after reset")
	}
}
