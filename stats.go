package rewind

import "time"

// NetworkStats is a snapshot of one peer connection's health.
type NetworkStats struct {
	// Ping is the round-trip time measured by the latest quality reply.
	Ping time.Duration

	// SendQueueLen is how many local input frames are still unacked.
	SendQueueLen int

	// LocalFramesBehind is the local frame advantage over this peer;
	// RemoteFramesBehind is what the peer last reported about us.
	LocalFramesBehind  int
	RemoteFramesBehind int

	PacketsSent    int
	BytesSent      int
	DroppedPackets int
}
