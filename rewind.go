/*
Package rewind implements peer-to-peer rollback netcode for deterministic,
frame-stepped simulations.

Every tick the session accepts local input, speculatively advances the game
using predicted remote inputs, and rewinds and re-simulates as soon as
authoritative remote inputs show the prediction was wrong. The game itself
stays outside the package: sessions hand back an ordered list of requests
(save state, load state, advance with these inputs) that the host must
execute against its own simulation.

Three session modes exist: P2PSession for networked play, SpectatorSession
for consuming a host's input broadcast, and SynctestSession, a single-process
tool that rewinds and re-simulates every frame to prove the game is
deterministic.

Sessions are not safe for concurrent use. All operations are meant to run on
the game thread inside the host's fixed-step loop; nothing in this package
blocks or starts goroutines.
*/
package rewind

import "time"

const (
	// MaxPredictionFrames is how far the session may speculate past the
	// last confirmed frame before AdvanceFrame starts returning empty
	// request lists.
	MaxPredictionFrames = 8

	// QueueLength is the per-player input ring size.
	QueueLength = 128

	// DefaultFrameDelay is applied to local inputs unless the builder
	// overrides it.
	DefaultFrameDelay = 2

	// SpectatorBufferSize is the number of broadcast frames a spectator
	// buffers ahead of consumption.
	SpectatorBufferSize = 60

	// DefaultMaxFramesBehind is how far a spectator may lag the host
	// before it starts catching up.
	DefaultMaxFramesBehind = 90

	// DefaultCatchupSpeed is the frames consumed per tick while a
	// spectator catches up.
	DefaultCatchupSpeed = 2
)

const (
	numSyncPackets        = 5
	syncRetryInterval     = 200 * time.Millisecond
	keepAliveInterval     = 200 * time.Millisecond
	qualityReportInterval = time.Second

	// defaultDisconnectTimeout is how long a peer may stay silent before
	// it is dropped; defaultDisconnectNotifyStart is when the session
	// warns the host that packets stopped arriving.
	defaultDisconnectTimeout     = 5 * time.Second
	defaultDisconnectNotifyStart = 750 * time.Millisecond
)
