package rewind

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

type protoState uint8

const (
	protoSyncing protoState = iota
	protoRunning
	protoDisconnected
)

// Input messages are resent at this cadence until acked.
const runningRetryInterval = 200 * time.Millisecond

// Receivers accept a steady-state packet only if its sequence number is at
// most this far ahead of the last one seen (mod 2^16); anything else,
// including every packet older than the last one seen, is dropped.
const maxSeqDistance = 1 << 15

// protoEvent is what a protocol surfaces to its session between polls.
type protoEventKind uint8

const (
	protoEventInput protoEventKind = iota
	protoEventSynchronizing
	protoEventSynchronized
	protoEventSyncFailed
	protoEventInterrupted
	protoEventResumed
	protoEventDisconnected
	protoEventChecksum
)

type protoEvent struct {
	kind protoEventKind

	input playerInput // protoEventInput

	count, total int // protoEventSynchronizing

	disconnectTimeout time.Duration // protoEventInterrupted

	checksumFrame Frame  // protoEventChecksum
	checksum      uint64 // protoEventChecksum
}

// protocol runs the wire conversation with one remote peer: handshake,
// input delivery with ack-based retransmission, keepalives, quality
// feedback, and timeout-driven disconnect detection. It is polled from the
// session's tick and never blocks or spawns goroutines; all timers compare
// against the clock passed down from the session.
type protocol[A comparable] struct {
	sock       Socket[A]
	peerAddr   A
	handle     PlayerHandle
	numPlayers int
	inputSize  int
	fps        int
	log        logrus.FieldLogger
	clock      func() time.Time
	epoch      time.Time

	magic       uint16
	remoteMagic uint16
	nextSendSeq uint16
	nextRecvSeq uint16

	state protoState

	// Handshake bookkeeping.
	syncAttempts int
	syncRandom   uint32
	lastSyncSent time.Time

	// Steady-state timers.
	lastSendTime      time.Time
	lastRecvTime      time.Time
	lastInputRecvTime time.Time
	lastQualityReport time.Time

	disconnectTimeout     time.Duration
	disconnectNotifyStart time.Duration
	disconnectNotifySent  bool
	disconnectEventSent   bool

	// Outbound input stream. pendingOutput holds sent-but-unacked rows;
	// its front is always lastAckedInput.frame+1.
	pendingOutput  *ring[playerInput]
	lastAckedInput playerInput

	// Inbound input stream. recvHistory retains recent rows so a
	// retransmitted burst can be decompressed against the row before its
	// start frame.
	lastRecvInput playerInput
	recvHistory   [QueueLength]playerInput

	// Shared with the session (read only here): the local view of every
	// player, propagated in each Input header.
	localConnectStatus []ConnectionStatus

	// What the peer last told us about every player.
	peerConnectStatus []ConnectionStatus

	roundTripTime        time.Duration
	localFrameAdvantage  int
	remoteFrameAdvantage int
	tsync                timeSync

	// Desync detection: the newest confirmed-state checksum to advertise,
	// and the newest remote one already surfaced.
	localChecksumFrame  Frame
	localChecksum       uint64
	remoteChecksumFrame Frame

	events *ring[protoEvent]

	stats struct {
		droppedPackets int
		packetsSent    int
		bytesSent      int
	}
}

func newProtocol[A comparable](
	sock Socket[A],
	peerAddr A,
	handle PlayerHandle,
	numPlayers, inputSize, fps int,
	localConnectStatus []ConnectionStatus,
	disconnectTimeout, disconnectNotifyStart time.Duration,
	log logrus.FieldLogger,
	clock func() time.Time,
) *protocol[A] {
	p := &protocol[A]{
		sock:                  sock,
		peerAddr:              peerAddr,
		handle:                handle,
		numPlayers:            numPlayers,
		inputSize:             inputSize,
		fps:                   fps,
		log:                   log.WithField("peer", handle),
		clock:                 clock,
		epoch:                 clock(),
		state:                 protoSyncing,
		disconnectTimeout:     disconnectTimeout,
		disconnectNotifyStart: disconnectNotifyStart,
		pendingOutput:         newRing[playerInput](QueueLength),
		lastAckedInput:        blankInput(NullFrame, inputSize),
		lastRecvInput:         blankInput(NullFrame, inputSize),
		localConnectStatus:    localConnectStatus,
		peerConnectStatus:     newConnectionStatuses(numPlayers),
		localChecksumFrame:    NullFrame,
		remoteChecksumFrame:   NullFrame,
		events:                newRing[protoEvent](2 * QueueLength),
	}
	for p.magic == 0 {
		p.magic = uint16(rand.Uint32())
	}
	p.lastRecvTime = p.epoch
	return p
}

// nowMS is the millisecond clock carried in quality reports.
func (p *protocol[A]) nowMS(now time.Time) uint32 {
	return uint32(now.Sub(p.epoch) / time.Millisecond)
}

func (p *protocol[A]) running() bool      { return p.state == protoRunning }
func (p *protocol[A]) disconnected() bool { return p.state == protoDisconnected }

// poll drives retries, keepalives, quality reports, and timeout detection.
// It must be called every tick.
func (p *protocol[A]) poll() {
	now := p.clock()

	switch p.state {
	case protoSyncing:
		if now.Sub(p.lastSyncSent) < syncRetryInterval && p.syncAttempts > 0 {
			return
		}
		if p.syncAttempts >= numSyncPackets {
			p.log.Warn("synchronization failed: retries exhausted")
			p.state = protoDisconnected
			p.events.push(protoEvent{kind: protoEventSyncFailed})
			return
		}
		p.sendSyncRequest(now)

	case protoRunning:
		if p.pendingOutput.len() > 0 && now.Sub(p.lastSendTime) >= runningRetryInterval {
			p.sendPendingOutput(now)
		}

		if now.Sub(p.lastQualityReport) >= qualityReportInterval {
			p.lastQualityReport = now
			p.sendMsg(now, qualityReportMsg{
				frameAdvantage: clampI8(p.localFrameAdvantage),
				ping:           p.nowMS(now),
			})
		}

		if now.Sub(p.lastSendTime) >= keepAliveInterval {
			p.sendMsg(now, keepAliveMsg{})
		}

		idle := now.Sub(p.lastRecvTime)
		if !p.disconnectNotifySent && idle >= p.disconnectNotifyStart {
			p.disconnectNotifySent = true
			p.events.push(protoEvent{
				kind:              protoEventInterrupted,
				disconnectTimeout: p.disconnectTimeout - p.disconnectNotifyStart,
			})
			p.log.WithField("idle", idle).Warn("network interrupted")
		}
		if !p.disconnectEventSent && idle >= p.disconnectTimeout {
			p.disconnectEventSent = true
			p.state = protoDisconnected
			p.events.push(protoEvent{kind: protoEventDisconnected})
			p.log.WithField("idle", idle).Warn("peer timed out")
		}
	}
}

func (p *protocol[A]) sendSyncRequest(now time.Time) {
	p.syncRandom = rand.Uint32()
	p.syncAttempts++
	p.lastSyncSent = now
	p.events.push(protoEvent{
		kind:  protoEventSynchronizing,
		count: p.syncAttempts,
		total: numSyncPackets,
	})
	p.sendMsg(now, syncRequestMsg{random: p.syncRandom})
}

// sendInput appends one confirmed local row to the outbound stream and
// flushes it. Called once per newly confirmed row while Running.
func (p *protocol[A]) sendInput(in playerInput) {
	if !p.running() {
		return
	}
	p.tsync.advanceFrame(p.localFrameAdvantage, p.remoteFrameAdvantage)
	if p.pendingOutput.full() {
		// The peer hasn't acked for a whole queue's worth of frames;
		// the disconnect timer will deal with it. Dropping the send
		// keeps us alive.
		p.log.Warn("pending output overflow, dropping send")
		return
	}
	p.pendingOutput.push(in.clone())
	p.sendPendingOutput(p.clock())
}

// sendPendingOutput emits one Input message carrying every unacked row,
// compressed against the row just before the burst.
func (p *protocol[A]) sendPendingOutput(now time.Time) {
	msg := inputMsg{
		peerConnectStatus: append([]ConnectionStatus(nil), p.localConnectStatus...),
		startFrame:        0,
		ackFrame:          p.lastRecvInput.frame,
		inputSize:         uint8(p.inputSize),
		checksumFrame:     p.localChecksumFrame,
		checksum:          p.localChecksum,
		disconnectFrame:   NullFrame,
	}

	if n := p.pendingOutput.len(); n > 0 {
		front := p.pendingOutput.front()
		msg.startFrame = front.frame

		ref := p.lastAckedInput
		if ref.frame.Nil() {
			ref = blankInput(NullFrame, p.inputSize)
		}
		if !ref.frame.Nil() && ref.frame+1 != msg.startFrame {
			panic(fmt.Sprintf("rewind: pending output starts at %d, last ack at %d", msg.startFrame, ref.frame))
		}

		rows := make([][]byte, n)
		for i := 0; i < n; i++ {
			rows[i] = p.pendingOutput.at(i).bits
		}
		bits, err := compressInputs(ref.bits, rows)
		if err != nil {
			// Only possible by blowing the scratch budget, which the
			// pending ring's size rules out.
			panic(err)
		}
		if len(bits)*8 > 0xffff {
			// The wire carries the bit count in a u16. A backlog this
			// deep only happens to a peer that stopped acking and is on
			// its way to a timeout; keepalives carry the link meanwhile.
			p.log.WithField("bytes", len(bits)).Warn("input backlog exceeds wire limit, skipping send")
			return
		}
		msg.bits = bits
	}

	p.sendMsg(now, msg)
}

func (p *protocol[A]) sendInputAck(now time.Time) {
	p.sendMsg(now, inputAckMsg{ackFrame: p.lastRecvInput.frame})
}

func (p *protocol[A]) sendMsg(now time.Time, body msgBody) {
	m := message{magic: p.magic, seq: p.nextSendSeq, body: body}
	p.nextSendSeq++
	p.lastSendTime = now

	data := encodeMessage(m)
	p.stats.packetsSent++
	p.stats.bytesSent += len(data)
	p.sock.SendTo(data, p.peerAddr)
}

// onMsg handles one datagram addressed to this peer. Undecodable or stale
// packets are dropped and counted, never fatal.
func (p *protocol[A]) onMsg(data []byte) {
	m, err := decodeMessage(data, p.numPlayers)
	if err != nil {
		p.stats.droppedPackets++
		p.log.WithError(err).Debug("dropping undecodable packet")
		return
	}

	_, isSyncReq := m.body.(syncRequestMsg)
	_, isSyncRep := m.body.(syncReplyMsg)
	if !isSyncReq && !isSyncRep {
		// Steady-state messages must carry the magic learned during the
		// handshake and a sequence number near the last one seen.
		if p.remoteMagic != 0 && m.magic != p.remoteMagic {
			p.stats.droppedPackets++
			return
		}
		if skipped := m.seq - p.nextRecvSeq; skipped > maxSeqDistance {
			p.stats.droppedPackets++
			return
		}
	}
	p.nextRecvSeq = m.seq

	now := p.clock()
	p.lastRecvTime = now
	if p.disconnectNotifySent && p.state == protoRunning {
		p.disconnectNotifySent = false
		p.events.push(protoEvent{kind: protoEventResumed})
		p.log.Info("network resumed")
	}

	switch body := m.body.(type) {
	case syncRequestMsg:
		p.onSyncRequest(now, m, body)
	case syncReplyMsg:
		p.onSyncReply(now, m, body)
	case inputMsg:
		p.onInput(now, body)
	case inputAckMsg:
		p.ackPending(body.ackFrame)
	case qualityReportMsg:
		p.remoteFrameAdvantage = int(body.frameAdvantage)
		p.sendMsg(now, qualityReplyMsg{pong: body.ping})
	case qualityReplyMsg:
		p.roundTripTime = time.Duration(p.nowMS(now)-body.pong) * time.Millisecond
	case keepAliveMsg:
		// Timer reset above is the whole point.
	}
}

func (p *protocol[A]) onSyncRequest(now time.Time, m message, body syncRequestMsg) {
	if p.remoteMagic != 0 && m.magic != p.remoteMagic {
		p.stats.droppedPackets++
		p.log.Debug("ignoring sync request from unknown endpoint")
		return
	}
	p.remoteMagic = m.magic
	p.sendMsg(now, syncReplyMsg{random: body.random})
}

func (p *protocol[A]) onSyncReply(now time.Time, m message, body syncReplyMsg) {
	if p.state != protoSyncing {
		return
	}
	if body.random != p.syncRandom {
		p.stats.droppedPackets++
		p.log.Debug("sync reply with wrong nonce, keep looking")
		return
	}

	p.remoteMagic = m.magic
	p.state = protoRunning
	p.lastQualityReport = now
	p.events.push(protoEvent{kind: protoEventSynchronized})
	p.log.Info("synchronized")
}

func (p *protocol[A]) onInput(now time.Time, body inputMsg) {
	if body.disconnectRequested {
		if p.state != protoDisconnected && !p.disconnectEventSent {
			p.disconnectEventSent = true
			p.state = protoDisconnected
			p.events.push(protoEvent{kind: protoEventDisconnected})
			p.log.Info("disconnecting on remote request")
		}
	} else {
		for i := range p.peerConnectStatus {
			p.peerConnectStatus[i].merge(body.peerConnectStatus[i])
		}
	}

	if int(body.inputSize) != p.inputSize {
		p.stats.droppedPackets++
		p.log.WithField("size", body.inputSize).Debug("dropping input with wrong width")
		return
	}

	if len(body.bits) > 0 {
		p.decodeInputBurst(body)
	}

	if !body.checksumFrame.Nil() && body.checksumFrame != p.remoteChecksumFrame {
		p.remoteChecksumFrame = body.checksumFrame
		p.events.push(protoEvent{
			kind:          protoEventChecksum,
			checksumFrame: body.checksumFrame,
			checksum:      body.checksum,
		})
	}

	p.ackPending(body.ackFrame)
	p.lastInputRecvTime = now
}

// decodeInputBurst expands a compressed run of input rows and surfaces
// every frame newer than the last one seen. Duplicates are idempotent.
func (p *protocol[A]) decodeInputBurst(body inputMsg) {
	ref := blankInput(NullFrame, p.inputSize)
	if body.startFrame > 0 {
		slot := int(body.startFrame-1) % QueueLength
		if p.recvHistory[slot].frame != body.startFrame-1 {
			// The burst starts past anything we've seen; without the
			// reference row it can't be reconstructed. A retransmit
			// with an older start frame will.
			p.stats.droppedPackets++
			p.log.WithField("start", body.startFrame).Debug("dropping input burst without reference")
			return
		}
		ref = p.recvHistory[slot]
	}

	rows, err := decompressInputs(ref.bits, body.bits, p.inputSize)
	if err != nil {
		p.stats.droppedPackets++
		p.log.WithError(err).Debug("dropping undecodable input burst")
		return
	}

	frame := body.startFrame
	for _, row := range rows {
		if frame > p.lastRecvInput.frame {
			in := playerInput{frame: frame, bits: row}
			p.lastRecvInput = in
			p.recvHistory[int(frame)%QueueLength] = in
			p.events.push(protoEvent{kind: protoEventInput, input: in})
		}
		frame++
	}
}

// ackPending frees outbound rows the peer has confirmed receiving.
func (p *protocol[A]) ackPending(ackFrame Frame) {
	for p.pendingOutput.len() > 0 && p.pendingOutput.front().frame <= ackFrame {
		p.lastAckedInput = p.pendingOutput.pop()
	}
}

// setLocalFrame feeds the time-sync estimator: how far ahead of the peer
// the local simulation is, after discounting the frames in flight.
func (p *protocol[A]) setLocalFrame(localFrame Frame) {
	remoteFrame := p.lastRecvInput.frame
	p.localFrameAdvantage = int(localFrame-remoteFrame) - p.halfRTTFrames()
}

// halfRTTFrames converts the RTT estimate into whole frames, rounding
// toward zero. A negative estimate counts as zero.
func (p *protocol[A]) halfRTTFrames() int {
	if p.roundTripTime <= 0 || p.fps <= 0 {
		return 0
	}
	frameDuration := time.Second / time.Duration(p.fps)
	return int(p.roundTripTime / 2 / frameDuration)
}

func (p *protocol[A]) recommendFrameWait() int {
	return p.tsync.recommendFrameWait()
}

// setChecksum advertises the checksum of a just-confirmed frame in
// subsequent Input headers.
func (p *protocol[A]) setChecksum(frame Frame, checksum uint64) {
	p.localChecksumFrame = frame
	p.localChecksum = checksum
}

// disconnect drops the peer locally. Remaining peers learn through the
// connect status array; this peer learns through the disconnect flag on
// the next Input message it manages to receive, or times out.
func (p *protocol[A]) disconnect() {
	p.state = protoDisconnected
}

func (p *protocol[A]) drainEvents() []protoEvent {
	return p.events.drain()
}

func (p *protocol[A]) networkStats() NetworkStats {
	return NetworkStats{
		Ping:               p.roundTripTime,
		SendQueueLen:       p.pendingOutput.len(),
		RemoteFramesBehind: p.remoteFrameAdvantage,
		LocalFramesBehind:  p.localFrameAdvantage,
		PacketsSent:        p.stats.packetsSent,
		BytesSent:          p.stats.bytesSent,
		DroppedPackets:     p.stats.droppedPackets,
	}
}

func clampI8(v int) int8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return -128
	}
	return int8(v)
}
