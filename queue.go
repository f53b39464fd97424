package rewind

import "fmt"

// inputQueue is one player's frame-indexed input ring. Confirmed inputs
// are stored in slots; reads past the confirmed range are served from a
// prediction row (the last known input) that is tracked separately so
// prediction never writes into the ring. When a confirmed input later
// contradicts a prediction that was handed out, the queue remembers the
// earliest such frame so the session can roll back to it.
type inputQueue struct {
	handle    PlayerHandle
	inputSize int

	head, tail, length int
	firstFrame         bool

	lastUserAddedFrame  Frame
	lastAddedFrame      Frame
	firstIncorrectFrame Frame
	lastFrameRequested  Frame

	frameDelay int

	inputs     [QueueLength]playerInput
	prediction playerInput
}

func newInputQueue(handle PlayerHandle, inputSize int) *inputQueue {
	q := &inputQueue{
		handle:              handle,
		inputSize:           inputSize,
		firstFrame:          true,
		lastUserAddedFrame:  NullFrame,
		lastAddedFrame:      NullFrame,
		firstIncorrectFrame: NullFrame,
		lastFrameRequested:  NullFrame,
		prediction:          blankInput(NullFrame, inputSize),
	}
	for i := range q.inputs {
		q.inputs[i] = blankInput(NullFrame, inputSize)
	}
	return q
}

func (q *inputQueue) setFrameDelay(delay int) { q.frameDelay = delay }

// lastConfirmedFrame is the highest frame holding an authoritative input.
func (q *inputQueue) lastConfirmedFrame() Frame { return q.lastAddedFrame }

func (q *inputQueue) firstIncorrect() Frame { return q.firstIncorrectFrame }

func (q *inputQueue) full() bool { return q.length == QueueLength }

// discardConfirmedFrames drops retained frames up to and including frame,
// but never past the last frame handed out, which might still be needed
// for a rollback.
func (q *inputQueue) discardConfirmedFrames(frame Frame) {
	if frame < 0 {
		return
	}
	if !q.lastFrameRequested.Nil() && frame > q.lastFrameRequested {
		frame = q.lastFrameRequested
	}

	if frame >= q.lastAddedFrame {
		q.tail = q.head
		q.length = 0
		return
	}
	if q.length == 0 || frame < q.inputs[q.tail].frame {
		return
	}

	offset := int(frame-q.inputs[q.tail].frame) + 1
	q.tail = (q.tail + offset) % QueueLength
	q.length -= offset
}

// resetPrediction clears prediction bookkeeping once the session has
// rolled back to (or before) the first mispredicted frame.
func (q *inputQueue) resetPrediction(frame Frame) {
	if !q.firstIncorrectFrame.Nil() && frame > q.firstIncorrectFrame {
		panic(fmt.Sprintf("rewind: reset prediction at %d past first incorrect frame %d", frame, q.firstIncorrectFrame))
	}
	q.prediction.frame = NullFrame
	q.firstIncorrectFrame = NullFrame
	q.lastFrameRequested = NullFrame
}

// confirmedInput returns the authoritative input at frame, if it is still
// retained.
func (q *inputQueue) confirmedInput(frame Frame) (playerInput, bool) {
	offset := int(frame) % QueueLength
	if offset < 0 || q.inputs[offset].frame != frame {
		return playerInput{}, false
	}
	return q.inputs[offset], true
}

// input returns the input to simulate frame with. If the frame is past the
// confirmed range the last known input is returned with InputPredicted and
// the queue starts watching for a later contradiction.
func (q *inputQueue) input(frame Frame) (playerInput, InputStatus) {
	if !q.firstIncorrectFrame.Nil() {
		panic("rewind: input requested before prediction reset")
	}

	q.lastFrameRequested = frame

	if q.length > 0 && frame < q.inputs[q.tail].frame {
		panic(fmt.Sprintf("rewind: input for discarded frame %d (oldest retained %d)", frame, q.inputs[q.tail].frame))
	}

	if q.prediction.frame.Nil() {
		// The requested frame may still be inside the confirmed range.
		offset := int(frame - q.inputs[q.tail].frame)
		if q.length > 0 && offset < q.length {
			slot := (offset + q.tail) % QueueLength
			in := q.inputs[slot]
			if in.frame != frame {
				panic(fmt.Sprintf("rewind: queue slot holds frame %d, want %d", in.frame, frame))
			}
			return in, InputConfirmed
		}

		// Start predicting: repeat the newest confirmed input, or a
		// blank if nothing arrived yet.
		if frame == 0 || q.lastAddedFrame.Nil() {
			q.prediction = blankInput(0, q.inputSize)
		} else {
			prev := q.inputs[(q.head+QueueLength-1)%QueueLength]
			q.prediction = prev.clone()
		}
		q.prediction.frame = frame
		return playerInput{frame: frame, bits: q.prediction.bits}, InputPredicted
	}

	// Already predicting; keep handing out the same row.
	return playerInput{frame: frame, bits: q.prediction.bits}, InputPredicted
}

// addLocalInput stores a client-submitted input, shifted forward by the
// queue's frame delay. It returns the frame actually used, or NullFrame if
// the input had to be dropped because the delay shrank.
func (q *inputQueue) addLocalInput(in playerInput) Frame {
	if !q.lastUserAddedFrame.Nil() && in.frame != q.lastUserAddedFrame+1 {
		panic(fmt.Sprintf("rewind: non-sequential local input %d after %d", in.frame, q.lastUserAddedFrame))
	}
	q.lastUserAddedFrame = in.frame

	newFrame := q.advanceQueueHead(in.frame)
	if !newFrame.Nil() {
		q.addDelayedInput(in, newFrame)
	}
	return newFrame
}

// addRemoteInput stores an authoritative input from the network. Remote
// queues carry no frame delay; the shared head-advance keeps the stored
// range gapless and drops duplicates.
func (q *inputQueue) addRemoteInput(in playerInput) {
	newFrame := q.advanceQueueHead(in.frame)
	if !newFrame.Nil() {
		q.addDelayedInput(in, newFrame)
	}
}

// advanceQueueHead applies the frame delay, repeating the previous input
// into any intermediate frames the delay opened up.
func (q *inputQueue) advanceQueueHead(frame Frame) Frame {
	expected := Frame(0)
	if !q.firstFrame {
		expected = q.inputs[(q.head+QueueLength-1)%QueueLength].frame + 1
	}

	frame += Frame(q.frameDelay)
	if expected > frame {
		// The delay was lowered mid-session; this input lands on a
		// frame that already has data.
		return NullFrame
	}

	for expected < frame {
		repeat := q.inputs[(q.head+QueueLength-1)%QueueLength]
		q.addDelayedInput(repeat, expected)
		expected++
	}
	return frame
}

// addDelayedInput writes an authoritative input into its slot and checks
// it against any prediction previously handed out for that frame.
func (q *inputQueue) addDelayedInput(in playerInput, frame Frame) {
	if !q.lastAddedFrame.Nil() && frame != q.lastAddedFrame+1 {
		panic(fmt.Sprintf("rewind: non-sequential input %d after %d", frame, q.lastAddedFrame))
	}
	if q.full() {
		panic("rewind: input queue overflow")
	}

	stored := in.clone()
	stored.frame = frame
	q.inputs[q.head] = stored
	q.head = (q.head + 1) % QueueLength
	q.length++
	q.firstFrame = false
	q.lastAddedFrame = frame

	if !q.prediction.frame.Nil() {
		if frame != q.prediction.frame {
			panic(fmt.Sprintf("rewind: confirming frame %d while predicting %d", frame, q.prediction.frame))
		}

		// A confirmed input that differs from what was handed out
		// means every frame from here on was simulated wrong.
		if q.firstIncorrectFrame.Nil() && !q.prediction.equal(stored) {
			q.firstIncorrectFrame = frame
		}

		if q.prediction.frame == q.lastFrameRequested && q.firstIncorrectFrame.Nil() {
			// Caught up with no mispredictions; stop predicting.
			q.prediction.frame = NullFrame
		} else {
			q.prediction.frame++
		}
	}
}
