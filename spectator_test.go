package rewind

import (
	"testing"
	"time"
)

// spectatorRig is a two-player match plus one spectator watching peer a.
type spectatorRig struct {
	pair *testPair
	spec *SpectatorSession[testInput, testState, string]
	game testState
}

func newSpectatorRig(t *testing.T, maxBehind, speed int) *spectatorRig {
	t.Helper()
	pipeNet := NewPipeNetwork[string]()
	clock := newFakeClock()

	build := func(local PlayerHandle, self, other string, spectate bool) *peerHarness {
		b := NewSessionBuilder[testInput, testState, string]().
			WithSocket(pipeNet.Endpoint(self)).
			WithFrameDelay(0).
			WithClock(clock.Now).
			AddLocalPlayer(local).
			AddRemotePlayer(1-local, other)
		if spectate {
			b.AddSpectator("c")
		}
		sess, err := b.StartP2P()
		if err != nil {
			t.Fatal(err)
		}
		return newPeerHarness(sess)
	}

	rig := &spectatorRig{
		pair: &testPair{net: pipeNet, clock: clock},
	}
	rig.pair.a = build(0, "a", "b", true)
	rig.pair.b = build(1, "b", "a", false)

	spec, err := NewSessionBuilder[testInput, testState, string]().
		WithSocket(pipeNet.Endpoint("c")).
		WithNumPlayers(2).
		WithClock(clock.Now).
		WithSpectatorCatchup(maxBehind, speed).
		StartSpectator("a")
	if err != nil {
		t.Fatal(err)
	}
	rig.spec = spec
	return rig
}

func (r *spectatorRig) synchronize(t *testing.T) {
	t.Helper()
	for i := 0; i < 30; i++ {
		r.pair.a.pollOnly()
		r.pair.b.pollOnly()
		r.spec.PollRemoteClients()
		r.spec.DrainEvents()
		if r.pair.a.sess.Running() && r.pair.b.sess.Running() && r.spec.Running() {
			return
		}
		r.pair.clock.advance(10 * time.Millisecond)
	}
	t.Fatal("rig never synchronized")
}

// specAdvance runs one spectator tick and applies its requests.
func (r *spectatorRig) specAdvance() int {
	r.spec.PollRemoteClients()
	reqs := r.spec.AdvanceFrame()
	for _, req := range reqs {
		if adv, ok := req.(AdvanceRequest[testInput, testState]); ok {
			r.game.advance(adv.Inputs)
		}
	}
	r.spec.DrainEvents()
	return len(reqs)
}

func TestSpectatorReplicatesMatch(t *testing.T) {
	rig := newSpectatorRig(t, DefaultMaxFramesBehind, DefaultCatchupSpeed)
	rig.synchronize(t)

	for f := 0; f < 10; f++ {
		rig.pair.a.tick(testInput{V: 3})
		rig.pair.b.tick(testInput{V: 11})
		rig.specAdvance()
	}
	// Drain whatever broadcast is still in flight.
	for i := 0; i < 5; i++ {
		rig.specAdvance()
	}

	consumed := uint64(rig.game.tick)
	if consumed == 0 {
		t.Fatal("spectator never advanced")
	}
	if rig.game.counters[0] != 3*consumed || rig.game.counters[1] != 11*consumed {
		t.Fatalf("spectator world %v after %d frames", rig.game.counters, consumed)
	}
}

func TestSpectatorCatchup(t *testing.T) {
	rig := newSpectatorRig(t, 5, 2)
	rig.synchronize(t)

	// The match runs away while the spectator buffers.
	for f := 0; f < 20; f++ {
		rig.pair.a.tick(testInput{V: 1})
		rig.pair.b.tick(testInput{V: 1})
	}
	rig.spec.PollRemoteClients()
	if rig.spec.FramesBehindHost() <= 5 {
		t.Fatalf("spectator only %d behind, rig broken", rig.spec.FramesBehindHost())
	}

	if got := rig.specAdvance(); got != 2 {
		t.Fatalf("catchup tick advanced %d frames, want 2", got)
	}

	// Once caught up it settles back to one frame per tick.
	for rig.spec.FramesBehindHost() > 5 {
		rig.specAdvance()
	}
	if got := rig.specAdvance(); got > 1 {
		t.Fatalf("caught-up spectator advanced %d frames", got)
	}
}

func TestSpectatorStarvesGracefully(t *testing.T) {
	rig := newSpectatorRig(t, 5, 2)
	rig.synchronize(t)

	// Nothing broadcast yet: zero requests, not a crash.
	if got := rig.specAdvance(); got != 0 {
		t.Fatalf("starved spectator produced %d requests", got)
	}
}
