package rewind

import (
	"bytes"
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	bodies := []msgBody{
		syncRequestMsg{random: 0xdeadbeef},
		syncReplyMsg{random: 0xcafebabe},
		inputAckMsg{ackFrame: 1234},
		qualityReportMsg{frameAdvantage: -3, ping: 98765},
		qualityReplyMsg{pong: 42},
		keepAliveMsg{},
		inputMsg{
			peerConnectStatus: []ConnectionStatus{
				{Disconnected: false, LastFrame: 17},
				{Disconnected: true, LastFrame: 9},
			},
			startFrame:      18,
			ackFrame:        12,
			inputSize:       2,
			checksumFrame:   16,
			checksum:        0x0123456789abcdef,
			bits:            []byte{2, 0, 1, 5},
			disconnectFrame: NullFrame,
		},
		inputMsg{
			peerConnectStatus:   make([]ConnectionStatus, 2),
			startFrame:          0,
			disconnectRequested: true,
			disconnectFrame:     44,
			ackFrame:            NullFrame,
			inputSize:           2,
			checksumFrame:       NullFrame,
		},
	}

	for _, body := range bodies {
		want := message{magic: 0x55aa, seq: 7, body: body}
		data := encodeMessage(want)

		got, err := decodeMessage(data, 2)
		if err != nil {
			t.Fatalf("%T: decode: %v", body, err)
		}
		if got.magic != want.magic || got.seq != want.seq {
			t.Errorf("%T: header %04x/%d, want %04x/%d", body, got.magic, got.seq, want.magic, want.seq)
		}
		if !reflect.DeepEqual(normalizeBody(got.body), normalizeBody(want.body)) {
			t.Errorf("%T: body %+v, want %+v", body, got.body, want.body)
		}
	}
}

// normalizeBody maps empty bit slices to nil so DeepEqual compares
// payload content, not slice identity quirks.
func normalizeBody(b msgBody) msgBody {
	if in, ok := b.(inputMsg); ok {
		if len(in.bits) == 0 {
			in.bits = nil
		}
		return in
	}
	return b
}

func TestDecodeRejectsTruncated(t *testing.T) {
	data := encodeMessage(message{magic: 1, seq: 2, body: qualityReportMsg{frameAdvantage: 1, ping: 3}})
	for n := 0; n < len(data); n++ {
		if _, err := decodeMessage(data[:n], 2); err == nil {
			t.Errorf("decode of %d/%d bytes succeeded", n, len(data))
		}
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	data := []byte{0, 0, 0, 0, 99}
	if _, err := decodeMessage(data, 2); err == nil {
		t.Fatal("unknown kind decoded")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	data := encodeMessage(message{body: keepAliveMsg{}})
	data = append(data, 0xff)
	if _, err := decodeMessage(data, 2); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestHeaderLayout(t *testing.T) {
	data := encodeMessage(message{magic: 0x1234, seq: 0x5678, body: keepAliveMsg{}})
	want := []byte{0x34, 0x12, 0x78, 0x56, byte(msgKeepAlive)}
	if !bytes.Equal(data, want) {
		t.Fatalf("header bytes %x, want %x (little endian)", data, want)
	}
}
