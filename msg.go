package rewind

import "fmt"

/*
Wire format (little endian). Every message starts with the same header:

	magic        : u16   // random per endpoint, fixed per session
	sequence_num : u16   // monotone per peer, wraps
	message_kind : u8

followed by the payload for its kind:

	SyncRequest:   random_request : u32
	SyncReply:     random_reply   : u32   // echo
	Input:         peer_connect_status[N] : { disconnected:u8, last_frame:i32 }
	               start_frame            : i32
	               disconnect_requested   : u8
	               disconnect_frame       : i32  // present iff disconnect_requested
	               ack_frame              : i32
	               num_bits               : u16
	               input_size             : u8
	               checksum_frame         : i32  // or NullFrame
	               checksum               : u64
	               bits                   : ceil(num_bits/8) bytes
	InputAck:      ack_frame : i32
	QualityReport: frame_advantage : i8, ping_ms : u32
	QualityReply:  pong_ms : u32
	KeepAlive:     empty

The status array length N is the session's player count; both sides know
it, so it isn't carried on the wire.
*/
type msgKind uint8

const (
	msgSyncRequest msgKind = 1 + iota
	msgSyncReply
	msgInput
	msgInputAck
	msgQualityReport
	msgQualityReply
	msgKeepAlive
)

const msgHeaderSize = 2 + 2 + 1

// message is one datagram's worth of protocol traffic.
type message struct {
	magic uint16
	seq   uint16
	body  msgBody
}

type msgBody interface {
	kind() msgKind
	appendBody(dst []byte) []byte
}

type syncRequestMsg struct {
	random uint32
}

type syncReplyMsg struct {
	random uint32
}

type inputMsg struct {
	peerConnectStatus   []ConnectionStatus
	startFrame          Frame
	disconnectRequested bool
	disconnectFrame     Frame
	ackFrame            Frame
	inputSize           uint8
	checksumFrame       Frame
	checksum            uint64
	bits                []byte
}

type inputAckMsg struct {
	ackFrame Frame
}

type qualityReportMsg struct {
	frameAdvantage int8
	ping           uint32
}

type qualityReplyMsg struct {
	pong uint32
}

type keepAliveMsg struct{}

func (syncRequestMsg) kind() msgKind   { return msgSyncRequest }
func (syncReplyMsg) kind() msgKind     { return msgSyncReply }
func (inputMsg) kind() msgKind         { return msgInput }
func (inputAckMsg) kind() msgKind      { return msgInputAck }
func (qualityReportMsg) kind() msgKind { return msgQualityReport }
func (qualityReplyMsg) kind() msgKind  { return msgQualityReply }
func (keepAliveMsg) kind() msgKind     { return msgKeepAlive }

func (m syncRequestMsg) appendBody(dst []byte) []byte { return appendU32(dst, m.random) }
func (m syncReplyMsg) appendBody(dst []byte) []byte   { return appendU32(dst, m.random) }

func (m inputMsg) appendBody(dst []byte) []byte {
	for _, s := range m.peerConnectStatus {
		dst = appendBool(dst, s.Disconnected)
		dst = appendFrame(dst, s.LastFrame)
	}
	dst = appendFrame(dst, m.startFrame)
	dst = appendBool(dst, m.disconnectRequested)
	if m.disconnectRequested {
		dst = appendFrame(dst, m.disconnectFrame)
	}
	dst = appendFrame(dst, m.ackFrame)
	dst = appendU16(dst, uint16(len(m.bits)*8))
	dst = append(dst, m.inputSize)
	dst = appendFrame(dst, m.checksumFrame)
	dst = appendU64(dst, m.checksum)
	dst = append(dst, m.bits...)
	return dst
}

func (m inputAckMsg) appendBody(dst []byte) []byte { return appendFrame(dst, m.ackFrame) }

func (m qualityReportMsg) appendBody(dst []byte) []byte {
	dst = append(dst, byte(m.frameAdvantage))
	return appendU32(dst, m.ping)
}

func (m qualityReplyMsg) appendBody(dst []byte) []byte { return appendU32(dst, m.pong) }

func (keepAliveMsg) appendBody(dst []byte) []byte { return dst }

// encodeMessage serializes header and body into a fresh buffer.
func encodeMessage(m message) []byte {
	dst := make([]byte, 0, 64)
	dst = appendU16(dst, m.magic)
	dst = appendU16(dst, m.seq)
	dst = append(dst, byte(m.body.kind()))
	return m.body.appendBody(dst)
}

// decodeMessage parses one datagram. numPlayers sizes the connect status
// array in Input messages; both peers of a session agree on it.
func decodeMessage(data []byte, numPlayers int) (message, error) {
	r := &reader{buf: data}

	m := message{
		magic: r.u16(),
		seq:   r.u16(),
	}
	kind := msgKind(r.u8())
	if r.err != nil {
		return message{}, MsgError{Data: data, Err: r.err}
	}

	switch kind {
	case msgSyncRequest:
		m.body = syncRequestMsg{random: r.u32()}
	case msgSyncReply:
		m.body = syncReplyMsg{random: r.u32()}
	case msgInput:
		in := inputMsg{peerConnectStatus: make([]ConnectionStatus, numPlayers)}
		for i := range in.peerConnectStatus {
			in.peerConnectStatus[i].Disconnected = r.bool()
			in.peerConnectStatus[i].LastFrame = r.frame()
		}
		in.startFrame = r.frame()
		in.disconnectRequested = r.bool()
		if in.disconnectRequested {
			in.disconnectFrame = r.frame()
		} else {
			in.disconnectFrame = NullFrame
		}
		in.ackFrame = r.frame()
		numBits := r.u16()
		in.inputSize = r.u8()
		in.checksumFrame = r.frame()
		in.checksum = r.u64()
		in.bits = r.bytes((int(numBits) + 7) / 8)
		m.body = in
	case msgInputAck:
		m.body = inputAckMsg{ackFrame: r.frame()}
	case msgQualityReport:
		m.body = qualityReportMsg{frameAdvantage: r.i8(), ping: r.u32()}
	case msgQualityReply:
		m.body = qualityReplyMsg{pong: r.u32()}
	case msgKeepAlive:
		m.body = keepAliveMsg{}
	default:
		return message{}, MsgError{Data: data, Err: fmt.Errorf("unknown message kind %d", kind)}
	}

	if r.err != nil {
		return message{}, MsgError{Data: data, Err: r.err}
	}
	if r.off != len(data) {
		return message{}, MsgError{Data: data, Err: fmt.Errorf("%d bytes of trailing data", len(data)-r.off)}
	}
	return m, nil
}
