package rewind

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// protoPair wires two bare protocols together for tests below the
// session layer.
type protoPair struct {
	net   *PipeNetwork[string]
	clock *fakeClock
	a, b  *protocol[string]
}

func newProtoPair(t *testing.T) *protoPair {
	t.Helper()
	pipeNet := NewPipeNetwork[string]()
	clock := newFakeClock()
	log := logrus.New()

	mk := func(self, other string) *protocol[string] {
		return newProtocol[string](pipeNet.Endpoint(self), other, 1, 2, 2, 60,
			newConnectionStatuses(2), defaultDisconnectTimeout, defaultDisconnectNotifyStart,
			log, clock.Now)
	}
	return &protoPair{
		net:   pipeNet,
		clock: clock,
		a:     mk("a", "b"),
		b:     mk("b", "a"),
	}
}

// pump delivers queued datagrams into each protocol.
func (p *protoPair) pump() {
	for _, d := range p.net.Endpoint("a").ReceiveAll() {
		if d.Addr == p.a.peerAddr {
			p.a.onMsg(d.Data)
		}
	}
	for _, d := range p.net.Endpoint("b").ReceiveAll() {
		if d.Addr == p.b.peerAddr {
			p.b.onMsg(d.Data)
		}
	}
}

func (p *protoPair) handshake(t *testing.T) {
	t.Helper()
	for i := 0; i < 6 && !(p.a.running() && p.b.running()); i++ {
		p.a.poll()
		p.b.poll()
		p.pump()
	}
	if !p.a.running() || !p.b.running() {
		t.Fatal("handshake did not complete")
	}
	p.a.drainEvents()
	p.b.drainEvents()
}

func TestProtocolHandshake(t *testing.T) {
	p := newProtoPair(t)

	p.a.poll()
	p.b.poll()
	p.pump()
	p.a.poll()
	p.b.poll()
	p.pump()

	if !p.a.running() || !p.b.running() {
		t.Fatal("both sides should run after one lossless round trip")
	}

	sawSync := false
	for _, ev := range p.a.drainEvents() {
		if ev.kind == protoEventSynchronized {
			sawSync = true
		}
	}
	if !sawSync {
		t.Fatal("no synchronized event")
	}
}

func TestProtocolHandshakeFailsWithoutPeer(t *testing.T) {
	p := newProtoPair(t)
	p.net.Block("a", "b")

	for i := 0; i <= numSyncPackets; i++ {
		p.a.poll()
		p.clock.advance(syncRetryInterval)
	}
	p.a.poll()

	if !p.a.disconnected() {
		t.Fatal("protocol still hopeful after retry budget")
	}
	failed := false
	for _, ev := range p.a.drainEvents() {
		if ev.kind == protoEventSyncFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("no sync-failed event")
	}
}

func TestProtocolInputDelivery(t *testing.T) {
	p := newProtoPair(t)
	p.handshake(t)

	for f := Frame(0); f < 5; f++ {
		p.a.sendInput(row(f, uint16(f)+100))
	}
	p.pump()

	events := p.b.drainEvents()
	var got []playerInput
	for _, ev := range events {
		if ev.kind == protoEventInput {
			got = append(got, ev.input)
		}
	}
	if len(got) != 5 {
		t.Fatalf("received %d inputs, want 5", len(got))
	}
	for i, in := range got {
		if in.frame != Frame(i) || le.Uint16(in.bits) != uint16(i)+100 {
			t.Errorf("input %d = frame %d value %d", i, in.frame, le.Uint16(in.bits))
		}
	}

	// Retransmits of already-seen frames are idempotent.
	p.a.sendPendingOutput(p.clock.Now())
	p.pump()
	for _, ev := range p.b.drainEvents() {
		if ev.kind == protoEventInput {
			t.Fatalf("duplicate input surfaced for frame %d", ev.input.frame)
		}
	}
}

func TestProtocolAckFreesPending(t *testing.T) {
	p := newProtoPair(t)
	p.handshake(t)

	p.a.sendInput(row(0, 1))
	p.a.sendInput(row(1, 2))
	if p.a.pendingOutput.len() != 2 {
		t.Fatalf("pending %d, want 2", p.a.pendingOutput.len())
	}

	p.pump() // b receives inputs
	p.b.sendInputAck(p.clock.Now())
	p.pump() // a receives ack

	if p.a.pendingOutput.len() != 0 {
		t.Fatalf("pending %d after ack, want 0", p.a.pendingOutput.len())
	}
	if p.a.lastAckedInput.frame != 1 {
		t.Fatalf("last acked %d, want 1", p.a.lastAckedInput.frame)
	}
}

func TestProtocolConnectStatusMonotone(t *testing.T) {
	p := newProtoPair(t)
	p.handshake(t)

	// a's local view advances, then regresses; b must only see growth.
	p.a.localConnectStatus[0].LastFrame = 10
	p.a.sendInput(row(0, 1))
	p.pump()
	if lf := p.b.peerConnectStatus[0].LastFrame; lf != 10 {
		t.Fatalf("peer status %d, want 10", lf)
	}

	p.a.localConnectStatus[0].LastFrame = 4
	p.a.sendInput(row(1, 1))
	p.pump()
	if lf := p.b.peerConnectStatus[0].LastFrame; lf != 10 {
		t.Fatalf("peer status regressed to %d", lf)
	}

	// Disconnected is sticky.
	p.a.localConnectStatus[1].Disconnected = true
	p.a.sendInput(row(2, 1))
	p.pump()
	p.a.localConnectStatus[1].Disconnected = false
	p.a.sendInput(row(3, 1))
	p.pump()
	if !p.b.peerConnectStatus[1].Disconnected {
		t.Fatal("disconnected flag unset by later status")
	}
	p.b.drainEvents()
}

func TestProtocolQualityRoundTrip(t *testing.T) {
	p := newProtoPair(t)
	p.handshake(t)

	p.a.localFrameAdvantage = 4

	// Force a quality report out of a.
	p.clock.advance(qualityReportInterval)
	p.a.poll()
	p.pump() // b answers with a reply

	p.clock.advance(30 * time.Millisecond)
	p.b.poll()
	p.pump() // a measures rtt

	if p.b.remoteFrameAdvantage != 4 {
		t.Errorf("b sees frame advantage %d, want 4", p.b.remoteFrameAdvantage)
	}
	if p.a.roundTripTime != 30*time.Millisecond {
		t.Errorf("rtt %v, want 30ms", p.a.roundTripTime)
	}
	p.a.drainEvents()
	p.b.drainEvents()
}

func TestProtocolKeepAliveAndTimeouts(t *testing.T) {
	p := newProtoPair(t)
	p.handshake(t)

	// Quiet but connected: keepalives hold the link up.
	for i := 0; i < 20; i++ {
		p.clock.advance(100 * time.Millisecond)
		p.a.poll()
		p.b.poll()
		p.pump()
	}
	if p.a.disconnected() || p.b.disconnected() {
		t.Fatal("keepalives failed to hold the link")
	}
	p.a.drainEvents()
	p.b.drainEvents()

	// Cut the wire: first the warning, then the drop.
	p.net.Block("a", "b")
	p.clock.advance(800 * time.Millisecond)
	p.a.poll()

	interrupted := false
	for _, ev := range p.a.drainEvents() {
		if ev.kind == protoEventInterrupted {
			interrupted = true
			if want := defaultDisconnectTimeout - defaultDisconnectNotifyStart; ev.disconnectTimeout != want {
				t.Errorf("interrupt timeout %v, want %v", ev.disconnectTimeout, want)
			}
		}
	}
	if !interrupted {
		t.Fatal("no interruption warning after 800ms of silence")
	}

	// Traffic resumes before the hard deadline.
	p.net.Unblock("a", "b")
	p.b.poll() // b sends a keepalive
	p.pump()
	resumed := false
	for _, ev := range p.a.drainEvents() {
		if ev.kind == protoEventResumed {
			resumed = true
		}
	}
	if !resumed {
		t.Fatal("no resume event after traffic returned")
	}

	// Cut it for good.
	p.net.Block("a", "b")
	p.clock.advance(defaultDisconnectTimeout + time.Second)
	p.a.poll()
	if !p.a.disconnected() {
		t.Fatal("no disconnect after hard timeout")
	}
	dropped := false
	for _, ev := range p.a.drainEvents() {
		if ev.kind == protoEventDisconnected {
			dropped = true
		}
	}
	if !dropped {
		t.Fatal("no disconnected event")
	}
}

func TestProtocolDropsGarbage(t *testing.T) {
	p := newProtoPair(t)
	p.handshake(t)

	before := p.a.stats.droppedPackets
	p.a.onMsg([]byte{1, 2, 3})
	p.a.onMsg(nil)
	if p.a.stats.droppedPackets != before+2 {
		t.Fatalf("dropped counter %d, want %d", p.a.stats.droppedPackets, before+2)
	}
	if p.a.disconnected() {
		t.Fatal("garbage killed the protocol")
	}
}

func TestProtocolDropsWrongMagic(t *testing.T) {
	p := newProtoPair(t)
	p.handshake(t)

	evil := encodeMessage(message{magic: p.a.remoteMagic + 1, seq: 99, body: inputAckMsg{ackFrame: 5}})
	before := p.a.stats.droppedPackets
	p.a.onMsg(evil)
	if p.a.stats.droppedPackets != before+1 {
		t.Fatal("forged magic accepted")
	}
}
