package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/undolag/rewind"
)

// UDPSocket is a rewind.Socket[string] over one bound UDP port. Peer
// addresses are "host:port" strings.
type UDPSocket struct {
	conn *net.UDPConn
	recv recvQueue
	log  logrus.FieldLogger

	mu    sync.Mutex
	peers map[string]*net.UDPAddr // resolved address cache

	closed chan struct{}
}

// ListenUDP binds a UDP socket and starts its receive pump.
func ListenUDP(bind string) (*UDPSocket, error) {
	laddr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	s := &UDPSocket{
		conn:   conn,
		recv:   newRecvQueue(),
		log:    logrus.StandardLogger().WithField("udp", conn.LocalAddr().String()),
		peers:  make(map[string]*net.UDPAddr),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// LocalAddr returns the bound address.
func (s *UDPSocket) LocalAddr() string { return s.conn.LocalAddr().String() }

func (s *UDPSocket) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Debug("udp read error")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.recv.offer(rewind.Datagram[string]{Addr: addr.String(), Data: data})
	}
}

// SendTo sends one datagram. Failures are logged and swallowed; the
// protocol retries on its own schedule.
func (s *UDPSocket) SendTo(data []byte, addr string) {
	raddr, err := s.resolve(addr)
	if err != nil {
		s.log.WithError(err).WithField("addr", addr).Warn("can't resolve peer")
		return
	}
	if _, err := s.conn.WriteToUDP(data, raddr); err != nil {
		s.log.WithError(err).WithField("addr", addr).Debug("udp send error")
	}
}

func (s *UDPSocket) resolve(addr string) (*net.UDPAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raddr, ok := s.peers[addr]; ok {
		return raddr, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	s.peers[addr] = raddr
	return raddr, nil
}

// ReceiveAll returns every datagram that arrived since the last call.
func (s *UDPSocket) ReceiveAll() []rewind.Datagram[string] {
	return s.recv.drainAll()
}

// Close shuts the socket down and stops the receive pump. Datagrams already
// queued stay readable through ReceiveAll.
func (s *UDPSocket) Close() error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	close(s.closed)
	return s.conn.Close()
}
