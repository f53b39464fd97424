package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWSSocketRoundTrip(t *testing.T) {
	server := NewWSSocket()
	defer server.Close()

	ts := httptest.NewServer(server)
	defer ts.Close()

	client := NewWSSocket()
	defer client.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	if err := client.Dial(url); err != nil {
		t.Fatal(err)
	}

	client.SendTo([]byte("hello"), url)

	serverSide := receiveOne(t, server)
	if string(serverSide.Data) != "hello" {
		t.Fatalf("server got %q", serverSide.Data)
	}

	// Reply to wherever the server saw the client.
	server.SendTo([]byte("world"), serverSide.Addr)
	clientSide := receiveOne(t, client)
	if string(clientSide.Data) != "world" {
		t.Fatalf("client got %q", clientSide.Data)
	}
	if clientSide.Addr != url {
		t.Errorf("client datagram from %q, want %q", clientSide.Addr, url)
	}
}

func receiveOne(t *testing.T, s *WSSocket) (d struct {
	Addr string
	Data []byte
}) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out := s.ReceiveAll(); len(out) > 0 {
			d.Addr, d.Data = out[0].Addr, out[0].Data
			return d
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no datagram within deadline")
	return d
}

func TestWSSocketUnknownPeer(t *testing.T) {
	s := NewWSSocket()
	defer s.Close()
	// Dropped silently, like a datagram into the void.
	s.SendTo([]byte{1}, "ws://nobody")
}
