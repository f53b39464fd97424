package rewind

// A Datagram is one received message and where it came from.
type Datagram[A comparable] struct {
	Addr A
	Data []byte
}

// Socket is the transport a session borrows from the host. It must be
// strictly non-blocking and makes no ordering or delivery promises;
// sequence numbers and frame-indexed payloads make the protocol tolerate
// loss, duplication, and reordering.
//
// The transport package provides UDP and WebSocket implementations.
type Socket[A comparable] interface {
	// SendTo queues one datagram to addr. Send failures are the
	// transport's to surface; the protocol simply retries on the next
	// poll.
	SendTo(data []byte, addr A)

	// ReceiveAll returns every datagram that arrived since the last
	// call, without blocking.
	ReceiveAll() []Datagram[A]
}

// PipeNetwork is an in-memory message switch for tests and local demos.
// Endpoints are addressed by A; delivery is lossless and ordered unless a
// link is blocked. Not safe for concurrent use, matching the engine's
// single-threaded model.
type PipeNetwork[A comparable] struct {
	endpoints map[A]*PipeSocket[A]
	blocked   map[[2]A]bool
}

func NewPipeNetwork[A comparable]() *PipeNetwork[A] {
	return &PipeNetwork[A]{
		endpoints: make(map[A]*PipeSocket[A]),
		blocked:   make(map[[2]A]bool),
	}
}

// Endpoint returns (creating if needed) the socket bound to addr.
func (n *PipeNetwork[A]) Endpoint(addr A) *PipeSocket[A] {
	if s, ok := n.endpoints[addr]; ok {
		return s
	}
	s := &PipeSocket[A]{net: n, addr: addr}
	n.endpoints[addr] = s
	return s
}

// Block starts dropping every datagram between a and b, both directions.
func (n *PipeNetwork[A]) Block(a, b A) {
	n.blocked[[2]A{a, b}] = true
	n.blocked[[2]A{b, a}] = true
}

// Unblock restores delivery between a and b.
func (n *PipeNetwork[A]) Unblock(a, b A) {
	delete(n.blocked, [2]A{a, b})
	delete(n.blocked, [2]A{b, a})
}

func (n *PipeNetwork[A]) deliver(from, to A, data []byte) {
	if n.blocked[[2]A{from, to}] {
		return
	}
	dst, ok := n.endpoints[to]
	if !ok {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	dst.inbox = append(dst.inbox, Datagram[A]{Addr: from, Data: buf})
}

// PipeSocket is one endpoint of a PipeNetwork.
type PipeSocket[A comparable] struct {
	net   *PipeNetwork[A]
	addr  A
	inbox []Datagram[A]
}

// Addr returns the address this endpoint is bound to.
func (s *PipeSocket[A]) Addr() A { return s.addr }

func (s *PipeSocket[A]) SendTo(data []byte, addr A) {
	s.net.deliver(s.addr, addr, data)
}

func (s *PipeSocket[A]) ReceiveAll() []Datagram[A] {
	out := s.inbox
	s.inbox = nil
	return out
}
