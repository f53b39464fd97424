package rewind

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SynctestSession proves a simulation is deterministic and rollback-safe
// without any network: every checkDistance frames it rewinds that far,
// re-advances with the recorded inputs, and checks the re-simulated
// checksums against the originals. A mismatch means the game reads state
// outside its snapshots, and would desync in real play.
type SynctestSession[I Input[I], S any] struct {
	id  string
	log logrus.FieldLogger

	numPlayers    int
	inputSize     int
	checkDistance int

	currentFrame Frame
	savedInitial bool

	queues    []*inputQueue
	snapshots *snapshots[S]

	// pendingVerify carries one entry per re-simulated frame; the host
	// fills the cells while processing this tick's requests, so the
	// comparison happens at the top of the next tick.
	pendingVerify []syncExpectation[S]

	events *ring[Event]
}

type syncExpectation[S any] struct {
	frame    Frame
	expected uint64
	cell     *Cell[S]
}

// Running always reports true: there is nobody to synchronize with.
func (s *SynctestSession[I, S]) Running() bool { return true }

// CurrentFrame is the next frame the session will ask the host to advance.
func (s *SynctestSession[I, S]) CurrentFrame() Frame { return s.currentFrame }

// AddLocalInput submits one player's input for the current frame. Every
// handle is local in a synctest.
func (s *SynctestSession[I, S]) AddLocalInput(handle PlayerHandle, input I) error {
	if int(handle) < 0 || int(handle) >= s.numPlayers {
		return fmt.Errorf("%w: %d", ErrBadHandle, handle)
	}
	q := s.queues[handle]
	if q.full() {
		return ErrInputDropped
	}
	if !q.lastUserAddedFrame.Nil() && s.currentFrame <= q.lastUserAddedFrame {
		return ErrInputDropped
	}
	if q.addLocalInput(playerInput{frame: s.currentFrame, bits: inputToBits(input)}).Nil() {
		return ErrInputDropped
	}
	return nil
}

// AdvanceFrame verifies the previous tick's re-simulation, schedules a
// rewind when a check interval just completed, and advances one frame.
func (s *SynctestSession[I, S]) AdvanceFrame() []Request[I, S] {
	s.verifyPending()

	// Prediction bookkeeping is irrelevant here; the rewind replays
	// recorded inputs directly.
	for _, q := range s.queues {
		if fi := q.firstIncorrect(); !fi.Nil() {
			q.resetPrediction(fi)
		}
	}

	var requests []Request[I, S]

	if !s.savedInitial {
		s.savedInitial = true
		requests = append(requests, SaveRequest[I, S]{
			Frame: s.currentFrame,
			Cell:  s.snapshots.save(s.currentFrame),
		})
	}

	if s.currentFrame > 0 && int(s.currentFrame)%s.checkDistance == 0 {
		requests = s.scheduleCheck(requests)
	}

	inputs := s.frameInputs(s.currentFrame, false)
	requests = append(requests, AdvanceRequest[I, S]{Inputs: inputs})
	s.currentFrame++
	requests = append(requests, SaveRequest[I, S]{
		Frame: s.currentFrame,
		Cell:  s.snapshots.save(s.currentFrame),
	})

	for _, q := range s.queues {
		q.discardConfirmedFrames(s.currentFrame - Frame(s.checkDistance) - 2)
	}

	return requests
}

// scheduleCheck emits the rewind: load the state from checkDistance
// frames ago and re-advance with the recorded inputs, remembering the
// original checksums for the next tick's comparison.
func (s *SynctestSession[I, S]) scheduleCheck(requests []Request[I, S]) []Request[I, S] {
	start := s.currentFrame - Frame(s.checkDistance)

	requests = append(requests, LoadRequest[I, S]{
		Frame: start,
		Cell:  s.snapshots.load(start),
	})

	for f := start; f < s.currentFrame; f++ {
		inputs := s.frameInputs(f, true)
		requests = append(requests, AdvanceRequest[I, S]{Inputs: inputs})

		expected := s.snapshots.load(f + 1).Checksum
		fresh := s.snapshots.save(f + 1)
		s.pendingVerify = append(s.pendingVerify, syncExpectation[S]{frame: f + 1, expected: expected, cell: fresh})
		requests = append(requests, SaveRequest[I, S]{Frame: f + 1, Cell: fresh})
	}
	return requests
}

func (s *SynctestSession[I, S]) verifyPending() {
	for _, exp := range s.pendingVerify {
		if exp.cell.Frame != exp.frame {
			continue
		}
		if exp.cell.Checksum != exp.expected {
			err := DesyncError{Frame: exp.frame, Expected: exp.expected, Actual: exp.cell.Checksum}
			s.log.WithField("frame", exp.frame).Error(err.Error())
			s.events.push(DesyncDetected{
				Frame:          exp.frame,
				LocalChecksum:  exp.expected,
				RemoteChecksum: exp.cell.Checksum,
			})
		}
	}
	s.pendingVerify = s.pendingVerify[:0]
}

// frameInputs reads every player's input for a frame. During re-advance
// only recorded rows are used; blanks stand in for anything the host
// never submitted.
func (s *SynctestSession[I, S]) frameInputs(frame Frame, confirmedOnly bool) []SyncInput[I] {
	inputs := make([]SyncInput[I], s.numPlayers)
	for h := 0; h < s.numPlayers; h++ {
		var row playerInput
		status := InputConfirmed
		if confirmedOnly {
			in, ok := s.queues[h].confirmedInput(frame)
			if !ok {
				in = blankInput(frame, s.inputSize)
			}
			row = in
		} else {
			row, status = s.queues[h].input(frame)
		}
		in, err := bitsToInput[I](row.bits)
		if err != nil {
			panic(fmt.Sprintf("rewind: input deserialize failed: %v", err))
		}
		inputs[h] = SyncInput[I]{Input: in, Status: status}
	}
	return inputs
}

// DrainEvents returns and clears any desync reports.
func (s *SynctestSession[I, S]) DrainEvents() []Event {
	return s.events.drain()
}
