// Package demo is the little deterministic game the demo binary and the
// examples step through rewind sessions: pawns on a grid racing to pick
// up a crumb. It exists to exercise the engine, not to be fun.
package demo

import (
	"hash/fnv"
	"io"

	"github.com/undolag/rewind"
)

const (
	Width  = 40
	Height = 20
)

// Button bits of one tick's input.
const (
	BtnUp uint8 = 1 << iota
	BtnDown
	BtnLeft
	BtnRight
)

// Input is one pawn's held buttons for one tick.
type Input struct {
	Buttons uint8
}

func (Input) Size() int { return 1 }

func (i Input) Serialize(dst []byte) []byte { return append(dst, i.Buttons) }

func (Input) Deserialize(src []byte) (Input, error) {
	if len(src) < 1 {
		return Input{}, io.ErrUnexpectedEOF
	}
	return Input{Buttons: src[0]}, nil
}

// Pawn is one player's piece.
type Pawn struct {
	X, Y  int16
	Score uint16
}

// State is the whole game. It is plain value data so snapshots are a
// Clone away.
type State struct {
	Tick   int32
	Pawns  []Pawn
	CrumbX int16
	CrumbY int16
}

// NewState places numPlayers pawns in the corners and the first crumb in
// the middle.
func NewState(numPlayers int) State {
	s := State{
		Pawns:  make([]Pawn, numPlayers),
		CrumbX: Width / 2,
		CrumbY: Height / 2,
	}
	corners := [...][2]int16{{1, 1}, {Width - 2, Height - 2}, {Width - 2, 1}, {1, Height - 2}}
	for i := range s.Pawns {
		c := corners[i%len(corners)]
		s.Pawns[i].X, s.Pawns[i].Y = c[0], c[1]
	}
	return s
}

// Clone returns a deep copy, for filling and restoring snapshot cells.
func (s State) Clone() State {
	out := s
	out.Pawns = append([]Pawn(nil), s.Pawns...)
	return out
}

// Advance steps the simulation one tick. It must stay deterministic:
// same state + same inputs = same state, on every machine.
func (s *State) Advance(inputs []rewind.SyncInput[Input]) {
	for i := range s.Pawns {
		if i >= len(inputs) {
			break
		}
		b := inputs[i].Input.Buttons
		p := &s.Pawns[i]
		if b&BtnUp != 0 && p.Y > 0 {
			p.Y--
		}
		if b&BtnDown != 0 && p.Y < Height-1 {
			p.Y++
		}
		if b&BtnLeft != 0 && p.X > 0 {
			p.X--
		}
		if b&BtnRight != 0 && p.X < Width-1 {
			p.X++
		}
		if p.X == s.CrumbX && p.Y == s.CrumbY {
			p.Score++
			s.respawnCrumb()
		}
	}
	s.Tick++
}

// respawnCrumb moves the crumb pseudo-randomly but deterministically,
// seeded by nothing outside the state.
func (s *State) respawnCrumb() {
	h := uint32(s.Tick)*2654435761 + uint32(s.CrumbX)<<16 + uint32(s.CrumbY)
	h ^= h >> 13
	h *= 0x5bd1e995
	h ^= h >> 15
	s.CrumbX = int16(h % Width)
	s.CrumbY = int16((h >> 8) % Height)
}

// Checksum folds every field that matters into a hash; two states with
// equal checksums are equal for desync purposes.
func (s State) Checksum() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put32 := func(v uint32) {
		buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		h.Write(buf[:4])
	}
	put32(uint32(s.Tick))
	put32(uint32(uint16(s.CrumbX)) | uint32(uint16(s.CrumbY))<<16)
	for _, p := range s.Pawns {
		put32(uint32(uint16(p.X)) | uint32(uint16(p.Y))<<16)
		put32(uint32(p.Score))
	}
	return h.Sum64()
}
