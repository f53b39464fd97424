/*
Package transport provides ready-made Socket implementations for rewind
sessions: UDP for real matches and WebSocket for peers that can't speak
raw datagrams.

Both use string addresses, so they plug into sessions built with A =
string. Receiving is pumped by one internal goroutine per connection into
a bounded channel; ReceiveAll drains the channel without blocking, which
keeps the session loop non-blocking as the engine requires. When the
channel is full a newly arriving datagram is dropped and the unread ones
are kept, as a full kernel socket buffer would do.
*/
package transport

import "github.com/undolag/rewind"

// recvBacklog bounds how many datagrams may wait between two
// ReceiveAll calls.
const recvBacklog = 512

// maxDatagramSize is the largest message accepted from the network.
// Protocol messages stay far below a safe MTU.
const maxDatagramSize = 4096

type recvQueue struct {
	ch chan rewind.Datagram[string]
}

func newRecvQueue() recvQueue {
	return recvQueue{ch: make(chan rewind.Datagram[string], recvBacklog)}
}

// offer enqueues one datagram, dropping it when the backlog is full.
func (q recvQueue) offer(d rewind.Datagram[string]) {
	select {
	case q.ch <- d:
	default:
	}
}

// drainAll empties the queue without blocking.
func (q recvQueue) drainAll() []rewind.Datagram[string] {
	var out []rewind.Datagram[string]
	for {
		select {
		case d := <-q.ch:
			out = append(out, d)
		default:
			return out
		}
	}
}
