package rewind

import (
	"hash/fnv"
	"io"
	"time"
)

// testInput is the two-byte input type the tests simulate with.
type testInput struct {
	V uint16
}

func (testInput) Size() int { return 2 }

func (i testInput) Serialize(dst []byte) []byte { return appendU16(dst, i.V) }

func (testInput) Deserialize(src []byte) (testInput, error) {
	if len(src) < 2 {
		return testInput{}, io.ErrUnexpectedEOF
	}
	return testInput{V: le.Uint16(src)}, nil
}

// testState is a trivially deterministic game: per-player accumulators.
type testState struct {
	tick     int32
	counters [MaxPlayers]uint64
}

func (s *testState) advance(inputs []SyncInput[testInput]) {
	for i, in := range inputs {
		s.counters[i] += uint64(in.Input.V)
	}
	s.tick++
}

func (s testState) checksum() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	le.PutUint32(buf[:4], uint32(s.tick))
	h.Write(buf[:4])
	for _, c := range s.counters {
		le.PutUint64(buf[:], c)
		h.Write(buf[:])
	}
	return h.Sum64()
}

// fakeClock lets tests step protocol timers without sleeping.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// peerHarness wires one P2P session to a test game and records what the
// engine asked for.
type peerHarness struct {
	sess   *P2PSession[testInput, testState, string]
	game   testState
	events []Event

	// Request bookkeeping for shape assertions.
	lastRequests []Request[testInput, testState]
	saves        map[Frame]int
	loads        map[Frame]int
	advances     int
}

func newPeerHarness(sess *P2PSession[testInput, testState, string]) *peerHarness {
	return &peerHarness{
		sess:  sess,
		saves: make(map[Frame]int),
		loads: make(map[Frame]int),
	}
}

// tick runs one full host iteration: poll, submit input, advance,
// execute requests, drain events.
func (h *peerHarness) tick(input testInput) {
	h.sess.PollRemoteClients()
	if h.sess.Running() {
		h.sess.AddLocalInput(h.localHandle(), input)
	}
	h.process(h.sess.AdvanceFrame())
	h.events = append(h.events, h.sess.DrainEvents()...)
}

// pollOnly pumps the network without advancing the simulation.
func (h *peerHarness) pollOnly() {
	h.sess.PollRemoteClients()
	h.events = append(h.events, h.sess.DrainEvents()...)
}

func (h *peerHarness) localHandle() PlayerHandle {
	for _, p := range h.sess.players {
		if p.Type == Local {
			return p.Handle
		}
	}
	panic("no local player")
}

func (h *peerHarness) process(requests []Request[testInput, testState]) {
	h.lastRequests = requests
	for _, req := range requests {
		switch r := req.(type) {
		case SaveRequest[testInput, testState]:
			r.Cell.State = h.game
			r.Cell.Checksum = h.game.checksum()
			h.saves[r.Frame]++
		case LoadRequest[testInput, testState]:
			h.game = r.Cell.State
			h.loads[r.Frame]++
		case AdvanceRequest[testInput, testState]:
			h.game.advance(r.Inputs)
			h.advances++
		}
	}
}

func (h *peerHarness) hasEvent(match func(Event) bool) bool {
	for _, ev := range h.events {
		if match(ev) {
			return true
		}
	}
	return false
}

// testPair builds two sessions talking over an in-memory network with a
// shared fake clock.
type testPair struct {
	net   *PipeNetwork[string]
	clock *fakeClock
	a, b  *peerHarness
}

func newTestPair(frameDelay int, configure func(*SessionBuilder[testInput, testState, string])) *testPair {
	pipeNet := NewPipeNetwork[string]()
	clock := newFakeClock()

	build := func(local PlayerHandle, self, other string) *peerHarness {
		b := NewSessionBuilder[testInput, testState, string]().
			WithSocket(pipeNet.Endpoint(self)).
			WithFrameDelay(frameDelay).
			WithClock(clock.Now).
			AddLocalPlayer(local).
			AddRemotePlayer(1-local, other)
		if configure != nil {
			configure(b)
		}
		sess, err := b.StartP2P()
		if err != nil {
			panic(err)
		}
		return newPeerHarness(sess)
	}

	return &testPair{
		net:   pipeNet,
		clock: clock,
		a:     build(0, "a", "b"),
		b:     build(1, "b", "a"),
	}
}

// synchronize polls both sides until both sessions run.
func (p *testPair) synchronize() bool {
	for i := 0; i < 20; i++ {
		p.a.pollOnly()
		p.b.pollOnly()
		if p.a.sess.Running() && p.b.sess.Running() {
			return true
		}
		p.clock.advance(10 * time.Millisecond)
	}
	return false
}
