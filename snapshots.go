package rewind

import "fmt"

// A Cell holds one saved game state. The session hands cells to the host
// inside SaveRequest and LoadRequest; the host fills State and Checksum on
// save and restores from them on load, and must not retain the cell past
// the request that carried it.
type Cell[S any] struct {
	Frame    Frame
	State    S
	Checksum uint64
}

// snapshots is a ring of saved state cells addressed by frame. Capacity is
// MaxPredictionFrames+2 so that after saving frame F a rollback to
// F-MaxPredictionFrames always finds its cell.
type snapshots[S any] struct {
	cells []Cell[S]
	head  Frame // newest saved frame, NullFrame before the first save
}

func newSnapshots[S any]() *snapshots[S] {
	return &snapshots[S]{
		cells: make([]Cell[S], MaxPredictionFrames+2),
		head:  NullFrame,
	}
}

func (s *snapshots[S]) reset() {
	s.head = NullFrame
	for i := range s.cells {
		s.cells[i] = Cell[S]{}
	}
}

// save returns the cell frame will be stored in, evicting whatever it held.
func (s *snapshots[S]) save(frame Frame) *Cell[S] {
	if frame < 0 {
		panic(fmt.Sprintf("rewind: save of negative frame %d", frame))
	}
	cell := &s.cells[int(frame)%len(s.cells)]
	*cell = Cell[S]{Frame: frame}
	s.head = frame
	return cell
}

// load returns the cell holding frame. Asking for a frame that was evicted
// or never saved is a programmer error: the session never rolls back past
// its own retention window.
func (s *snapshots[S]) load(frame Frame) *Cell[S] {
	cell := &s.cells[int(frame)%len(s.cells)]
	if cell.Frame != frame {
		panic(fmt.Sprintf("rewind: snapshot cell holds frame %d, want %d", cell.Frame, frame))
	}
	return cell
}

// holds reports whether frame is still retained.
func (s *snapshots[S]) holds(frame Frame) bool {
	if frame < 0 || s.head.Nil() {
		return false
	}
	return s.cells[int(frame)%len(s.cells)].Frame == frame
}
