package transport

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/undolag/rewind"
)

// WSSocket adapts datagram semantics onto WebSocket binary frames, for
// peers behind firewalls or in browsers; spectator feeds are the usual
// customer. Each message is one datagram; ordering beyond that is not
// relied on by the protocol.
//
// The same socket can accept connections (mount it as an http.Handler)
// and dial out; peers are addressed by remote address or dialed URL.
type WSSocket struct {
	recv recvQueue
	log  logrus.FieldLogger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*wsConn
}

type wsConn struct {
	conn *websocket.Conn

	// gorilla allows one concurrent writer per connection.
	writeMu sync.Mutex
}

func NewWSSocket() *WSSocket {
	return &WSSocket{
		recv: newRecvQueue(),
		log:  logrus.StandardLogger().WithField("transport", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxDatagramSize,
			WriteBufferSize: maxDatagramSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

// ServeHTTP upgrades an incoming request and registers the peer under its
// remote address.
func (s *WSSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.register(conn.RemoteAddr().String(), conn)
}

// Dial connects to a ws:// or wss:// URL. The URL is the peer's address
// for SendTo and incoming datagrams.
func (s *WSSocket) Dial(url string) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return err
	}
	s.register(url, conn)
	return nil
}

func (s *WSSocket) register(addr string, conn *websocket.Conn) {
	conn.SetReadLimit(maxDatagramSize)

	wc := &wsConn{conn: conn}
	s.mu.Lock()
	if old, ok := s.conns[addr]; ok {
		old.conn.Close()
	}
	s.conns[addr] = wc
	s.mu.Unlock()

	go s.readPump(addr, wc)
}

func (s *WSSocket) readPump(addr string, wc *wsConn) {
	defer s.drop(addr, wc)
	for {
		kind, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		s.recv.offer(rewind.Datagram[string]{Addr: addr, Data: data})
	}
}

func (s *WSSocket) drop(addr string, wc *wsConn) {
	wc.conn.Close()
	s.mu.Lock()
	if s.conns[addr] == wc {
		delete(s.conns, addr)
	}
	s.mu.Unlock()
}

// SendTo writes one binary frame to the peer. Unknown or dead peers are
// dropped silently; the session's timeout handling takes it from there.
func (s *WSSocket) SendTo(data []byte, addr string) {
	s.mu.Lock()
	wc, ok := s.conns[addr]
	s.mu.Unlock()
	if !ok {
		return
	}

	wc.writeMu.Lock()
	err := wc.conn.WriteMessage(websocket.BinaryMessage, data)
	wc.writeMu.Unlock()
	if err != nil {
		s.log.WithError(err).WithField("addr", addr).Debug("websocket send error")
		s.drop(addr, wc)
	}
}

// ReceiveAll returns every datagram that arrived since the last call.
func (s *WSSocket) ReceiveAll() []rewind.Datagram[string] {
	return s.recv.drainAll()
}

// Close drops every connection.
func (s *WSSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, wc := range s.conns {
		wc.conn.Close()
		delete(s.conns, addr)
	}
	return nil
}
