// Package protocol implements the on-air link frame codec: the wire layout,
// message type classification, and the JOIN probe payload used by the
// channel-acquisition and admission handshakes. The frame layout is
// bit-exact and must fit within the radio's packet width.
package protocol

import "fmt"

// MsgType identifies the kind of LinkFrame carried on-air.
type MsgType byte

const (
	MsgJoinLocal   MsgType = 0x01
	MsgJoinGateway MsgType = 0x02
	MsgJoinResult  MsgType = 0x03
	MsgUnjoinLocal MsgType = 0x04
	MsgHeartbeat   MsgType = 0x05
	MsgApp         MsgType = 0x06
	MsgAppFirst    MsgType = 0x07
	MsgAppFrag     MsgType = 0x08
)

func (t MsgType) String() string {
	switch t {
	case MsgJoinLocal:
		return "JOIN_LOCAL"
	case MsgJoinGateway:
		return "JOIN_GATEWAY"
	case MsgJoinResult:
		return "JOIN_RESULT"
	case MsgUnjoinLocal:
		return "UNJOIN_LOCAL"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgApp:
		return "APP"
	case MsgAppFirst:
		return "APP_FIRST"
	case MsgAppFrag:
		return "APP_FRAG"
	default:
		return fmt.Sprintf("MsgType(0x%02x)", byte(t))
	}
}

// valid reports whether t is one of the defined message types.
func (t MsgType) valid() bool {
	switch t {
	case MsgJoinLocal, MsgJoinGateway, MsgJoinResult, MsgUnjoinLocal,
		MsgHeartbeat, MsgApp, MsgAppFirst, MsgAppFrag:
		return true
	default:
		return false
	}
}

// IsAppFamily reports whether t carries application-message payload bytes
// subject to fragmentation (APP, APP_FIRST, APP_FRAG).
func (t MsgType) IsAppFamily() bool {
	return t == MsgApp || t == MsgAppFirst || t == MsgAppFrag
}

// HeaderSize is the fixed on-air header: msg_type(1) + net_addr(2).
const HeaderSize = 3

// BroadcastPipe is pipe 0, the shared address used only for JOIN handshakes.
const BroadcastPipe = 0

// MaxUnicastPipe is the highest unicast pipe number (pipes 1..5 are
// per-client after admission).
const MaxUnicastPipe = 5

// ErrMalformed is returned by Decode for underlength, oversized, or
// undefined-msg_type frames.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string { return "protocol: malformed frame: " + e.Reason }

// LinkFrame is the decoded form of an on-air frame.
type LinkFrame struct {
	MsgType MsgType
	NetAddr uint16
	Payload []byte
}

// Codec encodes/decodes LinkFrames to/from the on-air byte layout
//
//	[ msg_type:1 | net_addr:2 | payload:N ]
//
// bounded by MaxPW (the hardware payload width minus the 3-byte header).
type Codec struct {
	MaxPW int
}

// NewCodec returns a Codec bounding payloads to maxPW bytes, the hardware
// packet width minus HeaderSize.
func NewCodec(maxPW int) *Codec {
	return &Codec{MaxPW: maxPW}
}

// Encode serializes f into the on-air byte layout. It fails if the payload
// exceeds MaxPW.
func (c *Codec) Encode(f LinkFrame) ([]byte, error) {
	if len(f.Payload) > c.MaxPW {
		return nil, &ErrMalformed{Reason: fmt.Sprintf("payload %d exceeds MAX_PW %d", len(f.Payload), c.MaxPW)}
	}
	if !f.MsgType.valid() {
		return nil, &ErrMalformed{Reason: fmt.Sprintf("undefined msg_type 0x%02x", byte(f.MsgType))}
	}
	out := make([]byte, HeaderSize+len(f.Payload))
	out[0] = byte(f.MsgType)
	out[1] = byte(f.NetAddr >> 8)
	out[2] = byte(f.NetAddr)
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// Decode parses an on-air byte slice into a LinkFrame. It rejects frames
// smaller than HeaderSize, frames whose total size exceeds MaxPW+HeaderSize,
// and frames with an undefined msg_type.
func (c *Codec) Decode(raw []byte) (LinkFrame, error) {
	if len(raw) < HeaderSize {
		return LinkFrame{}, &ErrMalformed{Reason: fmt.Sprintf("frame length %d below header size %d", len(raw), HeaderSize)}
	}
	if len(raw) > HeaderSize+c.MaxPW {
		return LinkFrame{}, &ErrMalformed{Reason: fmt.Sprintf("frame length %d exceeds %d", len(raw), HeaderSize+c.MaxPW)}
	}
	mt := MsgType(raw[0])
	if !mt.valid() {
		return LinkFrame{}, &ErrMalformed{Reason: fmt.Sprintf("undefined msg_type 0x%02x", raw[0])}
	}
	netAddr := uint16(raw[1])<<8 | uint16(raw[2])
	payload := make([]byte, len(raw)-HeaderSize)
	copy(payload, raw[HeaderSize:])
	return LinkFrame{MsgType: mt, NetAddr: netAddr, Payload: payload}, nil
}

// JoinResult is the result code carried by a JOIN_RESULT's JoinProbe.
type JoinResult byte

const (
	ResultSuccess     JoinResult = 0
	ResultConnRefused JoinResult = 1
)

// JoinProbeSize is the fixed wire size of a JoinProbe payload.
const JoinProbeSize = 8

// JoinProbe is the payload carried by JOIN_LOCAL, JOIN_GATEWAY, and
// JOIN_RESULT frames.
type JoinProbe struct {
	MajVersion byte
	MinVersion byte
	HashID     uint32
	Data       byte // assigned pipe on RESULT; remaining retries during probing
	Result     JoinResult
}

// EncodeJoinProbe serializes a JoinProbe to its 8-byte wire form.
func EncodeJoinProbe(p JoinProbe) []byte {
	b := make([]byte, JoinProbeSize)
	b[0] = p.MajVersion
	b[1] = p.MinVersion
	b[2] = byte(p.HashID >> 24)
	b[3] = byte(p.HashID >> 16)
	b[4] = byte(p.HashID >> 8)
	b[5] = byte(p.HashID)
	b[6] = p.Data
	b[7] = byte(p.Result)
	return b
}

// DecodeJoinProbe parses a JoinProbe from its wire form.
func DecodeJoinProbe(b []byte) (JoinProbe, error) {
	if len(b) != JoinProbeSize {
		return JoinProbe{}, &ErrMalformed{Reason: fmt.Sprintf("join probe length %d != %d", len(b), JoinProbeSize)}
	}
	return JoinProbe{
		MajVersion: b[0],
		MinVersion: b[1],
		HashID:     uint32(b[2])<<24 | uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
		Data:       b[6],
		Result:     JoinResult(b[7]),
	}, nil
}
