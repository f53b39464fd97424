package rewind

import (
	"time"

	"github.com/sirupsen/logrus"
)

// SpectatorSession replicates a match by consuming the confirmed-input
// broadcast of one hosting peer. It never predicts, saves, or loads:
// AdvanceFrame yields only advance requests, one per tick normally and a
// small burst when the spectator has fallen too far behind.
type SpectatorSession[I Input[I], S any, A comparable] struct {
	id    string
	log   logrus.FieldLogger
	clock func() time.Time

	sock       Socket[A]
	numPlayers int
	inputSize  int
	hostAddr   A
	proto      *protocol[A]

	state            sessionState
	hostDisconnected bool
	currentFrame     Frame

	// buffer holds combined input rows (all players side by side, one
	// row per frame) waiting to be consumed.
	buffer [SpectatorBufferSize]playerInput

	maxFramesBehind int
	catchupSpeed    int

	events *ring[Event]
}

// Running reports whether the handshake with the host completed.
func (s *SpectatorSession[I, S, A]) Running() bool { return s.state == sessionRunning }

// CurrentFrame is the next frame the session will hand to the host.
func (s *SpectatorSession[I, S, A]) CurrentFrame() Frame { return s.currentFrame }

// FramesBehindHost is how many confirmed frames the host has broadcast
// that this spectator hasn't consumed yet.
func (s *SpectatorSession[I, S, A]) FramesBehindHost() int {
	if s.proto.lastRecvInput.frame.Nil() {
		return 0
	}
	behind := int(s.proto.lastRecvInput.frame-s.currentFrame) + 1
	if behind < 0 {
		return 0
	}
	return behind
}

// PollRemoteClients pumps the socket and the host link's timers. Call
// once per tick, before AdvanceFrame.
func (s *SpectatorSession[I, S, A]) PollRemoteClients() {
	for _, d := range s.sock.ReceiveAll() {
		if d.Addr == s.hostAddr {
			s.proto.onMsg(d.Data)
		}
	}
	s.proto.poll()

	gotInput := false
	for _, ev := range s.proto.drainEvents() {
		switch ev.kind {
		case protoEventInput:
			s.buffer[int(ev.input.frame)%SpectatorBufferSize] = ev.input
			gotInput = true
		case protoEventSynchronizing:
			s.events.push(Synchronizing{Player: 0, Count: ev.count, Total: ev.total})
		case protoEventSynchronized:
			s.events.push(Synchronized{Player: 0})
			s.state = sessionRunning
		case protoEventSyncFailed:
			s.events.push(SynchronizationFailed{Player: 0})
			s.hostDisconnected = true
		case protoEventInterrupted:
			s.events.push(NetworkInterrupted{Player: 0, DisconnectTimeout: ev.disconnectTimeout})
		case protoEventResumed:
			s.events.push(NetworkResumed{Player: 0})
		case protoEventDisconnected:
			if !s.hostDisconnected {
				s.hostDisconnected = true
				s.events.push(Disconnected{Player: 0})
				s.log.Info("host disconnected, replication over")
			}
		}
	}

	if gotInput {
		s.proto.sendInputAck(s.clock())
	}
}

// AdvanceFrame returns the advance requests for this tick: none while
// synchronizing or starved, one normally, catchupSpeed when more than
// maxFramesBehind confirmed frames are buffered.
func (s *SpectatorSession[I, S, A]) AdvanceFrame() []Request[I, S] {
	if s.state != sessionRunning {
		return nil
	}

	steps := 1
	if s.FramesBehindHost() > s.maxFramesBehind {
		steps = s.catchupSpeed
	}

	var requests []Request[I, S]
	for i := 0; i < steps; i++ {
		row := s.buffer[int(s.currentFrame)%SpectatorBufferSize]
		if row.frame != s.currentFrame {
			// Not arrived yet; the host may itself be stalled.
			break
		}

		inputs := make([]SyncInput[I], s.numPlayers)
		for h := 0; h < s.numPlayers; h++ {
			in := s.decodeSlot(row.bits[h*s.inputSize : (h+1)*s.inputSize])
			inputs[h] = SyncInput[I]{Input: in, Status: InputConfirmed}
		}
		requests = append(requests, AdvanceRequest[I, S]{Inputs: inputs})
		s.currentFrame++
	}
	return requests
}

func (s *SpectatorSession[I, S, A]) decodeSlot(bits []byte) I {
	in, err := bitsToInput[I](bits)
	if err != nil {
		panic("rewind: input deserialize failed on broadcast row")
	}
	return in
}

// HostStats reports connection health for the host link.
func (s *SpectatorSession[I, S, A]) HostStats() NetworkStats {
	return s.proto.networkStats()
}

// DrainEvents returns and clears everything notable since the last call.
func (s *SpectatorSession[I, S, A]) DrainEvents() []Event {
	return s.events.drain()
}
