package rewind

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type sessionState uint8

const (
	sessionSynchronizing sessionState = iota
	sessionRunning
)

// P2PSession orchestrates one networked match: the local and remote input
// queues, the snapshot store, one protocol per remote peer and spectator,
// and the rollback loop that turns late remote inputs into load/advance
// request sequences for the host.
//
// The host's tick is: PollRemoteClients, AddLocalInput for each local
// player, AdvanceFrame and execute its requests, DrainEvents.
type P2PSession[I Input[I], S any, A comparable] struct {
	id    string
	log   logrus.FieldLogger
	clock func() time.Time

	sock       Socket[A]
	numPlayers int
	inputSize  int
	fps        int

	players    []Player[A]
	queues     []*inputQueue
	protocols  []*protocol[A] // indexed by handle, nil for local slots
	spectators []*protocol[A]
	byAddr     map[A]*protocol[A]

	snapshots          *snapshots[S]
	localConnectStatus []ConnectionStatus

	state        sessionState
	currentFrame Frame
	savedInitial bool

	// forcedRollback is set when a disconnect rewrites history with
	// blank inputs; it joins the per-queue mispredictions as a rollback
	// target.
	forcedRollback Frame

	// Desync detection bookkeeping. localChecksums holds confirmed-state
	// checksums by frame until the matching remote report arrives;
	// remoteChecksums buffers reports that got here first.
	desyncInterval  int
	nextDesyncFrame Frame
	localChecksums  map[Frame]uint64
	remoteChecksums map[Frame]remoteChecksum

	// nextSpectatorFrame is the next confirmed frame to broadcast.
	nextSpectatorFrame Frame

	events *ring[Event]
}

type remoteChecksum struct {
	player   PlayerHandle
	checksum uint64
}

// Running reports whether every peer finished the handshake. Before that,
// AddLocalInput fails and AdvanceFrame returns no requests.
func (s *P2PSession[I, S, A]) Running() bool { return s.state == sessionRunning }

// CurrentFrame is the next frame the session will ask the host to advance.
func (s *P2PSession[I, S, A]) CurrentFrame() Frame { return s.currentFrame }

// AddLocalInput submits one local player's input for the current frame.
// It must be called before the AdvanceFrame that simulates this frame.
func (s *P2PSession[I, S, A]) AddLocalInput(handle PlayerHandle, input I) error {
	if s.state != sessionRunning {
		return ErrNotSynchronized
	}
	if int(handle) < 0 || int(handle) >= s.numPlayers {
		return fmt.Errorf("%w: %d", ErrBadHandle, handle)
	}
	if s.players[handle].Type != Local {
		return fmt.Errorf("%w: %d", ErrNotLocal, handle)
	}
	if s.localConnectStatus[handle].Disconnected {
		return ErrPlayerDisconnected
	}

	q := s.queues[handle]
	if q.full() {
		return ErrInputDropped
	}
	if !q.lastUserAddedFrame.Nil() && s.currentFrame <= q.lastUserAddedFrame {
		// The host is stalled and resubmitting; this frame's input is
		// already in.
		return ErrInputDropped
	}
	if int(s.currentFrame) > int(s.minConfirmedFrame())+MaxPredictionFrames {
		return ErrPredictionThreshold
	}

	prevLast := q.lastConfirmedFrame()
	in := playerInput{frame: s.currentFrame, bits: inputToBits(input)}
	used := q.addLocalInput(in)
	if used.Nil() {
		return ErrInputDropped
	}
	s.localConnectStatus[handle].LastFrame = used

	// Send every row this call confirmed, including frames the delay
	// filled by repetition, so the outbound stream stays gapless.
	for f := prevLast + 1; f <= used; f++ {
		row, ok := q.confirmedInput(f)
		if !ok {
			panic(fmt.Sprintf("rewind: confirmed frame %d missing after add", f))
		}
		for _, p := range s.protocols {
			if p != nil {
				p.sendInput(row)
			}
		}
	}
	return nil
}

// PollRemoteClients pumps the socket into the per-peer protocols, runs
// their timers, and folds their events into the session. Call once per
// tick, before AdvanceFrame.
func (s *P2PSession[I, S, A]) PollRemoteClients() {
	for _, d := range s.sock.ReceiveAll() {
		if p, ok := s.byAddr[d.Addr]; ok {
			p.onMsg(d.Data)
		}
	}

	for _, p := range s.byAddr {
		p.poll()
	}

	for handle, p := range s.protocols {
		if p != nil {
			s.handleProtoEvents(PlayerHandle(handle), p)
		}
	}
	for i, p := range s.spectators {
		s.handleProtoEvents(PlayerHandle(s.numPlayers+i), p)
	}

	s.propagateDisconnects()

	if s.state == sessionSynchronizing && s.handshakesDone() {
		s.state = sessionRunning
		s.log.Info("all peers synchronized, session running")
	}
}

func (s *P2PSession[I, S, A]) handshakesDone() bool {
	for _, p := range s.byAddr {
		if p.state == protoSyncing {
			return false
		}
	}
	return true
}

func (s *P2PSession[I, S, A]) handleProtoEvents(handle PlayerHandle, p *protocol[A]) {
	for _, ev := range p.drainEvents() {
		switch ev.kind {
		case protoEventInput:
			if int(handle) < s.numPlayers && !s.localConnectStatus[handle].Disconnected {
				s.queues[handle].addRemoteInput(ev.input)
				s.localConnectStatus[handle].LastFrame = ev.input.frame
			}
		case protoEventSynchronizing:
			s.events.push(Synchronizing{Player: handle, Count: ev.count, Total: ev.total})
		case protoEventSynchronized:
			s.events.push(Synchronized{Player: handle})
		case protoEventSyncFailed:
			s.events.push(SynchronizationFailed{Player: handle})
			s.disconnectPlayerQueue(handle, NullFrame)
		case protoEventInterrupted:
			s.events.push(NetworkInterrupted{Player: handle, DisconnectTimeout: ev.disconnectTimeout})
		case protoEventResumed:
			s.events.push(NetworkResumed{Player: handle})
		case protoEventDisconnected:
			syncTo := s.currentFrame
			if int(handle) < s.numPlayers {
				syncTo = s.localConnectStatus[handle].LastFrame
			}
			s.disconnectPlayerQueue(handle, syncTo)
		case protoEventChecksum:
			s.handleRemoteChecksum(handle, ev.checksumFrame, ev.checksum)
		}
	}
}

// propagateDisconnects adopts disconnects other peers learned about
// first, at the frame they happened.
func (s *P2PSession[I, S, A]) propagateDisconnects() {
	for _, p := range s.protocols {
		if p == nil || !p.running() {
			continue
		}
		for j := range p.peerConnectStatus {
			st := p.peerConnectStatus[j]
			if st.Disconnected && !s.localConnectStatus[j].Disconnected {
				s.disconnectPlayerQueue(PlayerHandle(j), st.LastFrame)
			}
		}
	}
}

// DisconnectPlayer drops a player from the match at the current frame.
// Other peers learn through the connect status array in input headers.
func (s *P2PSession[I, S, A]) DisconnectPlayer(handle PlayerHandle) error {
	if int(handle) < 0 || int(handle) >= s.numPlayers {
		return fmt.Errorf("%w: %d", ErrBadHandle, handle)
	}
	if s.localConnectStatus[handle].Disconnected {
		return ErrPlayerDisconnected
	}
	syncTo := s.localConnectStatus[handle].LastFrame
	if s.players[handle].Type == Local {
		syncTo = s.currentFrame
	}
	s.disconnectPlayerQueue(handle, syncTo)
	return nil
}

func (s *P2PSession[I, S, A]) disconnectPlayerQueue(handle PlayerHandle, syncTo Frame) {
	if int(handle) >= s.numPlayers {
		// A spectator link died; nothing to rewrite.
		s.events.push(Disconnected{Player: handle})
		return
	}
	if s.localConnectStatus[handle].Disconnected {
		return
	}

	if p := s.protocols[handle]; p != nil {
		p.disconnect()
	}
	s.localConnectStatus[handle].Disconnected = true
	s.localConnectStatus[handle].LastFrame = syncTo

	if !syncTo.Nil() && syncTo < s.currentFrame {
		// Frames after the disconnect point were simulated with inputs
		// that never officially existed; rewrite them with blanks.
		if s.forcedRollback.Nil() || syncTo < s.forcedRollback {
			s.forcedRollback = syncTo
		}
	}

	s.log.WithFields(logrus.Fields{"player": handle, "frame": syncTo}).Info("player disconnected")
	s.events.push(Disconnected{Player: handle})
}

// AdvanceFrame runs the rollback check and produces the ordered request
// list for one tick: any rewind first, then the speculative advance of
// one new frame. An empty list means the session is stalled, either
// synchronizing or at the prediction barrier.
func (s *P2PSession[I, S, A]) AdvanceFrame() []Request[I, S] {
	if s.state != sessionRunning {
		return nil
	}

	var requests []Request[I, S]

	if !s.savedInitial {
		s.savedInitial = true
		requests = append(requests, SaveRequest[I, S]{
			Frame: s.currentFrame,
			Cell:  s.snapshots.save(s.currentFrame),
		})
	}

	requests = s.rollback(requests)

	minConfirmed := s.minConfirmedFrame()

	if int(s.currentFrame) > int(minConfirmed)+MaxPredictionFrames {
		// Prediction barrier: too far ahead of the slowest peer. The
		// host has to sit this tick out.
		return requests
	}

	inputs := s.syncInputs(s.currentFrame)
	requests = append(requests, AdvanceRequest[I, S]{Inputs: inputs})
	s.currentFrame++
	requests = append(requests, SaveRequest[I, S]{
		Frame: s.currentFrame,
		Cell:  s.snapshots.save(s.currentFrame),
	})

	for _, p := range s.protocols {
		if p != nil {
			p.setLocalFrame(s.currentFrame)
		}
	}

	s.confirmFrames(minConfirmed)
	s.recommendWait()

	return requests
}

// rollback rewinds and re-simulates if any queue confirmed an input that
// contradicts a prediction, or a disconnect rewrote history.
func (s *P2PSession[I, S, A]) rollback(requests []Request[I, S]) []Request[I, S] {
	target := s.forcedRollback
	for _, q := range s.queues {
		if fi := q.firstIncorrect(); !fi.Nil() && (target.Nil() || fi < target) {
			target = fi
		}
	}
	s.forcedRollback = NullFrame
	if target.Nil() {
		return requests
	}

	count := int(s.currentFrame - target)
	s.log.WithFields(logrus.Fields{"to": target, "frames": count}).Debug("rolling back")

	for _, q := range s.queues {
		q.resetPrediction(target)
	}

	requests = append(requests, LoadRequest[I, S]{
		Frame: target,
		Cell:  s.snapshots.load(target),
	})

	s.currentFrame = target
	for i := 0; i < count; i++ {
		inputs := s.syncInputs(s.currentFrame)
		requests = append(requests, AdvanceRequest[I, S]{Inputs: inputs})
		s.currentFrame++
		requests = append(requests, SaveRequest[I, S]{
			Frame: s.currentFrame,
			Cell:  s.snapshots.save(s.currentFrame),
		})
	}
	return requests
}

// syncInputs assembles the per-handle input row for one frame: confirmed
// where the authoritative input arrived, predicted otherwise, blank for
// the disconnected.
func (s *P2PSession[I, S, A]) syncInputs(frame Frame) []SyncInput[I] {
	inputs := make([]SyncInput[I], s.numPlayers)
	for h := 0; h < s.numPlayers; h++ {
		st := s.localConnectStatus[h]
		if st.Disconnected && frame > st.LastFrame {
			inputs[h] = SyncInput[I]{Input: s.decodeRow(blankInput(frame, s.inputSize)), Status: InputDisconnected}
			continue
		}
		row, status := s.queues[h].input(frame)
		inputs[h] = SyncInput[I]{Input: s.decodeRow(row), Status: status}
	}
	return inputs
}

func (s *P2PSession[I, S, A]) decodeRow(row playerInput) I {
	in, err := bitsToInput[I](row.bits)
	if err != nil {
		// Rows only enter queues through Serialize; a failed round trip
		// is a bug in the input type.
		panic(fmt.Sprintf("rewind: input deserialize failed: %v", err))
	}
	return in
}

// minConfirmedFrame is the highest frame every connected player's input
// is known for.
func (s *P2PSession[I, S, A]) minConfirmedFrame() Frame {
	min := Frame(1<<31 - 1)
	any := false
	for h := 0; h < s.numPlayers; h++ {
		if s.localConnectStatus[h].Disconnected {
			continue
		}
		any = true
		if lf := s.localConnectStatus[h].LastFrame; lf < min {
			min = lf
		}
	}
	if !any {
		return s.currentFrame
	}
	return min
}

// confirmFrames releases history the rollback can no longer need: feeds
// newly confirmed frames to spectators and desync detection, then drops
// old inputs.
func (s *P2PSession[I, S, A]) confirmFrames(minConfirmed Frame) {
	if minConfirmed < 0 {
		return
	}

	s.broadcastToSpectators(minConfirmed)
	s.scheduleDesyncChecks(minConfirmed)

	for _, q := range s.queues {
		q.discardConfirmedFrames(minConfirmed - 1)
	}
}

// broadcastToSpectators streams every player's confirmed input, packed
// into one wide row per frame, to each spectator link.
func (s *P2PSession[I, S, A]) broadcastToSpectators(minConfirmed Frame) {
	if len(s.spectators) == 0 {
		s.nextSpectatorFrame = minConfirmed + 1
		return
	}
	for ; s.nextSpectatorFrame <= minConfirmed; s.nextSpectatorFrame++ {
		frame := s.nextSpectatorFrame
		row := make([]byte, 0, s.numPlayers*s.inputSize)
		for h := 0; h < s.numPlayers; h++ {
			st := s.localConnectStatus[h]
			if st.Disconnected && frame > st.LastFrame {
				row = append(row, make([]byte, s.inputSize)...)
				continue
			}
			in, ok := s.queues[h].confirmedInput(frame)
			if !ok {
				// Already discarded; spectators that far behind are
				// beyond saving and will time out.
				row = append(row, make([]byte, s.inputSize)...)
			} else {
				row = append(row, in.bits...)
			}
		}
		combined := playerInput{frame: frame, bits: row}
		for _, p := range s.spectators {
			p.sendInput(combined)
		}
	}
}

func (s *P2PSession[I, S, A]) scheduleDesyncChecks(minConfirmed Frame) {
	if s.desyncInterval <= 0 {
		return
	}
	for s.nextDesyncFrame <= minConfirmed {
		frame := s.nextDesyncFrame
		s.nextDesyncFrame += Frame(s.desyncInterval)
		if !s.snapshots.holds(frame) {
			continue
		}
		sum := s.snapshots.load(frame).Checksum
		s.localChecksums[frame] = sum
		for _, p := range s.protocols {
			if p != nil {
				p.setChecksum(frame, sum)
			}
		}
		if rc, ok := s.remoteChecksums[frame]; ok {
			s.compareChecksums(rc.player, frame, rc.checksum)
		}
	}
	// Don't let unanswered entries pile up forever.
	for f := range s.localChecksums {
		if f < minConfirmed-Frame(8*s.desyncInterval) {
			delete(s.localChecksums, f)
		}
	}
}

func (s *P2PSession[I, S, A]) handleRemoteChecksum(player PlayerHandle, frame Frame, checksum uint64) {
	if _, ok := s.localChecksums[frame]; !ok {
		s.remoteChecksums[frame] = remoteChecksum{player: player, checksum: checksum}
		return
	}
	s.compareChecksums(player, frame, checksum)
}

func (s *P2PSession[I, S, A]) compareChecksums(player PlayerHandle, frame Frame, remote uint64) {
	local := s.localChecksums[frame]
	delete(s.localChecksums, frame)
	delete(s.remoteChecksums, frame)
	if local == remote {
		return
	}
	s.log.WithFields(logrus.Fields{
		"frame":  frame,
		"local":  fmt.Sprintf("%016x", local),
		"remote": fmt.Sprintf("%016x", remote),
	}).Error("desync detected")
	s.events.push(DesyncDetected{
		Player:         player,
		Frame:          frame,
		LocalChecksum:  local,
		RemoteChecksum: remote,
	})
}

// recommendWait asks the host to slow down if it has run ahead of every
// peer's view of the match.
func (s *P2PSession[I, S, A]) recommendWait() {
	skip := 0
	for _, p := range s.protocols {
		if p == nil || !p.running() {
			continue
		}
		if w := p.recommendFrameWait(); w > skip {
			skip = w
		}
	}
	if skip > 0 {
		s.events.push(WaitRecommendation{SkipFrames: skip})
	}
}

// DrainEvents returns and clears everything notable since the last call.
func (s *P2PSession[I, S, A]) DrainEvents() []Event {
	return s.events.drain()
}

// SetFrameDelay changes how many frames a local player's inputs are
// shifted into the future.
func (s *P2PSession[I, S, A]) SetFrameDelay(handle PlayerHandle, delay int) error {
	if int(handle) < 0 || int(handle) >= s.numPlayers {
		return fmt.Errorf("%w: %d", ErrBadHandle, handle)
	}
	if s.players[handle].Type != Local {
		return fmt.Errorf("%w: %d", ErrNotLocal, handle)
	}
	if delay < 0 {
		return fmt.Errorf("negative frame delay %d", delay)
	}
	s.queues[handle].setFrameDelay(delay)
	return nil
}

// NetworkStats reports connection health for one remote player.
func (s *P2PSession[I, S, A]) NetworkStats(handle PlayerHandle) (NetworkStats, error) {
	if int(handle) < 0 || int(handle) >= s.numPlayers {
		return NetworkStats{}, fmt.Errorf("%w: %d", ErrBadHandle, handle)
	}
	p := s.protocols[handle]
	if p == nil {
		return NetworkStats{}, fmt.Errorf("%w: %d", ErrNotLocal, handle)
	}
	return p.networkStats(), nil
}
