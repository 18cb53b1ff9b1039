package protocol

import (
	"bytes"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(22)
	f := LinkFrame{MsgType: MsgApp, NetAddr: 0xA001, Payload: []byte("hello")}
	raw, err := c.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MsgType != f.MsgType || got.NetAddr != f.NetAddr || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
	}
}

func TestCodecRejectsOversizedPayload(t *testing.T) {
	c := NewCodec(4)
	_, err := c.Encode(LinkFrame{MsgType: MsgApp, Payload: []byte("toolong")})
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestCodecRejectsUnderlengthFrame(t *testing.T) {
	c := NewCodec(22)
	_, err := c.Decode([]byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for underlength frame")
	}
}

func TestCodecRejectsUndefinedMsgType(t *testing.T) {
	c := NewCodec(22)
	_, err := c.Decode([]byte{0xFF, 0x00, 0x00})
	if err == nil {
		t.Fatal("expected error for undefined msg_type")
	}
}

func TestCodecRejectsOverlongFrame(t *testing.T) {
	c := NewCodec(4)
	raw := append([]byte{byte(MsgApp), 0, 0}, []byte("toolong")...)
	_, err := c.Decode(raw)
	if err == nil {
		t.Fatal("expected error for overlong frame")
	}
}

func TestJoinProbeRoundTrip(t *testing.T) {
	p := JoinProbe{MajVersion: 1, MinVersion: 2, HashID: 0x12345678, Data: 3, Result: ResultSuccess}
	b := EncodeJoinProbe(p)
	if len(b) != JoinProbeSize {
		t.Fatalf("expected %d bytes, got %d", JoinProbeSize, len(b))
	}
	got, err := DecodeJoinProbe(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestJoinProbeRejectsBadLength(t *testing.T) {
	_, err := DecodeJoinProbe([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for bad length")
	}
}

func TestMsgTypeIsAppFamily(t *testing.T) {
	for _, mt := range []MsgType{MsgApp, MsgAppFirst, MsgAppFrag} {
		if !mt.IsAppFamily() {
			t.Errorf("%v should be app-family", mt)
		}
	}
	if MsgHeartbeat.IsAppFamily() {
		t.Error("HEARTBEAT should not be app-family")
	}
}
