package transport

import (
	"testing"
	"time"
)

func TestUDPSocketRoundTrip(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	a.SendTo([]byte{1, 2, 3}, b.LocalAddr())
	a.SendTo([]byte{4, 5}, b.LocalAddr())

	deadline := time.Now().Add(2 * time.Second)
	var got [][]byte
	for len(got) < 2 && time.Now().Before(deadline) {
		for _, d := range b.ReceiveAll() {
			if d.Addr != a.LocalAddr() {
				t.Errorf("datagram from %s, want %s", d.Addr, a.LocalAddr())
			}
			got = append(got, d.Data)
		}
		time.Sleep(time.Millisecond)
	}
	if len(got) != 2 {
		t.Fatalf("received %d datagrams, want 2", len(got))
	}
	if string(got[0]) != "\x01\x02\x03" || string(got[1]) != "\x04\x05" {
		t.Fatalf("payloads %x %x", got[0], got[1])
	}
}

func TestUDPSocketBadAddress(t *testing.T) {
	s, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Must not panic or block; failures are the protocol's problem.
	s.SendTo([]byte{1}, "not an address")
	if out := s.ReceiveAll(); len(out) != 0 {
		t.Fatalf("phantom datagrams: %d", len(out))
	}
}

func TestUDPSocketClose(t *testing.T) {
	s, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err == nil {
		t.Fatal("double close succeeded")
	}
}
