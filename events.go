package rewind

import "time"

// An Event is a notification drained from a session with DrainEvents.
// Events are a closed set; hosts type switch over them.
type Event interface {
	sessionEvent()
}

// Synchronizing reports handshake progress with one remote player.
type Synchronizing struct {
	Player PlayerHandle
	Count  int
	Total  int
}

// Synchronized fires when the handshake with one remote player completes.
type Synchronized struct {
	Player PlayerHandle
}

// SynchronizationFailed fires when the handshake retry budget ran out.
// The player counts as disconnected from here on.
type SynchronizationFailed struct {
	Player PlayerHandle
}

// Disconnected fires when a remote player is dropped for good.
type Disconnected struct {
	Player PlayerHandle
}

// NetworkInterrupted warns that no packets have arrived from a player for
// a while. Disconnect follows in DisconnectTimeout unless traffic resumes.
type NetworkInterrupted struct {
	Player            PlayerHandle
	DisconnectTimeout time.Duration
}

// NetworkResumed cancels a NetworkInterrupted warning.
type NetworkResumed struct {
	Player PlayerHandle
}

// WaitRecommendation asks the host to sit out SkipFrames ticks because the
// local side has run ahead of its peers.
type WaitRecommendation struct {
	SkipFrames int
}

// DesyncDetected reports that a peer's checksum for a confirmed frame
// differs from the local one. The session keeps running; stopping is the
// host's call.
type DesyncDetected struct {
	Player         PlayerHandle
	Frame          Frame
	LocalChecksum  uint64
	RemoteChecksum uint64
}

func (Synchronizing) sessionEvent()         {}
func (Synchronized) sessionEvent()          {}
func (SynchronizationFailed) sessionEvent() {}
func (Disconnected) sessionEvent()          {}
func (NetworkInterrupted) sessionEvent()    {}
func (NetworkResumed) sessionEvent()        {}
func (WaitRecommendation) sessionEvent()    {}
func (DesyncDetected) sessionEvent()        {}
