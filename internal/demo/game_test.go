package demo

import (
	"testing"

	"github.com/undolag/rewind"
)

func press(b uint8) []rewind.SyncInput[Input] {
	return []rewind.SyncInput[Input]{{Input: Input{Buttons: b}}, {}}
}

func TestAdvanceIsDeterministic(t *testing.T) {
	a, b := NewState(2), NewState(2)
	moves := []uint8{BtnRight, BtnRight | BtnDown, BtnUp, BtnLeft, 0, BtnDown}

	for _, m := range moves {
		a.Advance(press(m))
		b.Advance(press(m))
	}
	if a.Checksum() != b.Checksum() {
		t.Fatal("same inputs produced different worlds")
	}
}

func TestCloneIsolatesState(t *testing.T) {
	s := NewState(2)
	before := s.Checksum()
	snap := s.Clone()
	s.Advance(press(BtnRight))
	if snap.Checksum() != before {
		t.Fatal("clone shares memory with the live state")
	}
}

func TestPawnsStayInBounds(t *testing.T) {
	s := NewState(2)
	for i := 0; i < Width+Height; i++ {
		s.Advance(press(BtnLeft | BtnUp))
	}
	p := s.Pawns[0]
	if p.X < 0 || p.Y < 0 || p.X >= Width || p.Y >= Height {
		t.Fatalf("pawn escaped to %d,%d", p.X, p.Y)
	}
}

func TestInputRoundTrip(t *testing.T) {
	in := Input{Buttons: BtnUp | BtnLeft}
	data := in.Serialize(nil)
	if len(data) != in.Size() {
		t.Fatalf("serialized to %d bytes, want %d", len(data), in.Size())
	}
	out, err := Input{}.Deserialize(data)
	if err != nil || out != in {
		t.Fatalf("round trip %v (%v)", out, err)
	}
}
