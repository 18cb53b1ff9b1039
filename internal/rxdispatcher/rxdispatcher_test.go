package rxdispatcher

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/knot-contrib/nrf24gw/internal/clienttable"
	"github.com/knot-contrib/nrf24gw/internal/protocol"
	"github.com/knot-contrib/nrf24gw/internal/radio"
	"github.com/knot-contrib/nrf24gw/internal/rng"
	"github.com/knot-contrib/nrf24gw/internal/txscheduler"
)

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Second)
}

func testSetup() (*Dispatcher, *clienttable.Table, *txscheduler.Scheduler, *protocol.Codec, *radio.Mock) {
	port := radio.NewMock(76, 78)
	codec := protocol.NewCodec(22)
	table := clienttable.New()
	out := txscheduler.New(txscheduler.Config{MaxPW: 22, SendDelayMS: 1, SendInterval: 2, SendRetry: 2}, port, codec, rng.New(1))
	cfg := Config{
		MajVersion:          1,
		MinVersion:          0,
		HeartbeatTimeoutSec: 30,
		ControlRateLimit:    rate.Inf,
		ControlRateBurst:    100,
	}
	d := New(cfg, port, codec, table, out, nil, 0xAAAA, 0xBBBB)
	return d, table, out, codec, port
}

func joinLocalFrame(codec *protocol.Codec, netAddr uint16, hashID uint32, maj byte) []byte {
	return joinLocalFrameVer(codec, netAddr, hashID, maj, 0)
}

func joinLocalFrameVer(codec *protocol.Codec, netAddr uint16, hashID uint32, maj, min byte) []byte {
	probe := protocol.JoinProbe{MajVersion: maj, MinVersion: min, HashID: hashID}
	frame := protocol.LinkFrame{MsgType: protocol.MsgJoinLocal, NetAddr: netAddr, Payload: protocol.EncodeJoinProbe(probe)}
	raw, _ := codec.Encode(frame)
	return raw
}

func TestJoinLocalAdmitsAndRepliesSuccess(t *testing.T) {
	d, table, out, codec, port := testSetup()
	port.Enqueue(protocol.BroadcastPipe, joinLocalFrame(codec, 0x1234, 0xCAFEBABE, 1))

	d.Drain(0, 0)

	if table.Count() != 1 {
		t.Fatalf("expected 1 admitted session, got %d", table.Count())
	}
	if out.Len() != 1 {
		t.Fatalf("expected 1 queued reply, got %d", out.Len())
	}
}

func TestJoinLocalRejectsNewerMajorVersion(t *testing.T) {
	d, table, out, codec, port := testSetup()
	port.Enqueue(protocol.BroadcastPipe, joinLocalFrame(codec, 0x1234, 0xCAFEBABE, 2))

	d.Drain(0, 0)

	if table.Count() != 0 {
		t.Fatalf("expected no session admitted, got %d", table.Count())
	}
	if out.Len() != 1 {
		t.Fatalf("expected a refusal reply queued, got %d", out.Len())
	}
}

func TestJoinLocalRejectsNewerMinorVersion(t *testing.T) {
	d, table, out, codec, port := testSetup()
	port.Enqueue(protocol.BroadcastPipe, joinLocalFrameVer(codec, 0x1234, 0xCAFEBABE, 1, 1))

	d.Drain(0, 0)

	if table.Count() != 0 {
		t.Fatalf("expected no session admitted, got %d", table.Count())
	}
	if out.Len() != 1 {
		t.Fatalf("expected a refusal reply queued, got %d", out.Len())
	}
}

func TestDuplicateJoinLocalRefusedSessionUntouched(t *testing.T) {
	d, table, _, codec, port := testSetup()
	port.Enqueue(protocol.BroadcastPipe, joinLocalFrame(codec, 0x1234, 0xCAFEBABE, 1))
	d.Drain(0, 0)
	if table.Count() != 1 {
		t.Fatalf("expected 1 session after first join, got %d", table.Count())
	}

	port.Enqueue(protocol.BroadcastPipe, joinLocalFrame(codec, 0x1234, 0xCAFEBABE, 1))
	d.Drain(0, 0)
	if table.Count() != 1 {
		t.Fatalf("expected duplicate join to leave session count at 1, got %d", table.Count())
	}
}

func TestJoinGatewayAlwaysRefused(t *testing.T) {
	d, _, out, codec, port := testSetup()
	probe := protocol.JoinProbe{MajVersion: 1, MinVersion: 0, HashID: 0xDEADBEEF}
	frame := protocol.LinkFrame{MsgType: protocol.MsgJoinGateway, NetAddr: 0x5555, Payload: protocol.EncodeJoinProbe(probe)}
	raw, _ := codec.Encode(frame)
	port.Enqueue(protocol.BroadcastPipe, raw)

	d.Drain(0, 0)

	if out.Len() != 1 {
		t.Fatalf("expected refusal queued, got %d", out.Len())
	}
}

func TestHeaderOnlyJoinGatewayDiscardedWithoutReply(t *testing.T) {
	d, _, out, codec, port := testSetup()
	frame := protocol.LinkFrame{MsgType: protocol.MsgJoinGateway, NetAddr: 0x5555}
	raw, _ := codec.Encode(frame)
	port.Enqueue(protocol.BroadcastPipe, raw)

	d.Drain(0, 0)

	if out.Len() != 0 {
		t.Fatalf("expected header-only JOIN_GATEWAY discarded with no reply, got %d queued", out.Len())
	}
}

func TestHeaderOnlyHeartbeatDiscardedWithoutReply(t *testing.T) {
	d, table, out, codec, port := testSetup()
	port.Enqueue(protocol.BroadcastPipe, joinLocalFrame(codec, 0x1234, 0xCAFEBABE, 1))
	d.Drain(0, 0)
	pipe := table.Sessions()[0].Pipe
	queued := out.Len()

	frame := protocol.LinkFrame{MsgType: protocol.MsgHeartbeat, NetAddr: 0x1234}
	raw, _ := codec.Encode(frame)
	port.Enqueue(pipe, raw)

	d.Drain(0, 500)

	if out.Len() != queued {
		t.Fatalf("expected header-only HEARTBEAT discarded with no reply, got %d queued", out.Len()-queued)
	}
	if table.GetByPipe(pipe).LastHeartbeatSec != 0 {
		t.Fatal("expected last_heartbeat untouched by malformed heartbeat")
	}
}

func TestHeartbeatWrongHashIDRefusedAndNotUpdated(t *testing.T) {
	d, table, _, codec, port := testSetup()
	port.Enqueue(protocol.BroadcastPipe, joinLocalFrame(codec, 0x1234, 0xCAFEBABE, 1))
	d.Drain(0, 0)
	sess := table.Sessions()[0]
	pipe := sess.Pipe

	probe := protocol.JoinProbe{MajVersion: 1, MinVersion: 0, HashID: 0xBADBADBA}
	frame := protocol.LinkFrame{MsgType: protocol.MsgHeartbeat, NetAddr: 0x1234, Payload: protocol.EncodeJoinProbe(probe)}
	raw, _ := codec.Encode(frame)
	port.Enqueue(pipe, raw)

	d.Drain(0, 500)

	if table.GetByPipe(pipe).LastHeartbeatSec != 0 {
		t.Fatal("expected last_heartbeat untouched on wrong hashid")
	}
}

func TestHeartbeatRejectsNewerMinorVersion(t *testing.T) {
	d, table, _, codec, port := testSetup()
	port.Enqueue(protocol.BroadcastPipe, joinLocalFrame(codec, 0x1234, 0xCAFEBABE, 1))
	d.Drain(0, 0)
	pipe := table.Sessions()[0].Pipe

	probe := protocol.JoinProbe{MajVersion: 1, MinVersion: 1, HashID: 0xCAFEBABE}
	frame := protocol.LinkFrame{MsgType: protocol.MsgHeartbeat, NetAddr: 0x1234, Payload: protocol.EncodeJoinProbe(probe)}
	raw, _ := codec.Encode(frame)
	port.Enqueue(pipe, raw)

	d.Drain(0, 500)

	if table.GetByPipe(pipe).LastHeartbeatSec != 0 {
		t.Fatal("expected last_heartbeat untouched on unsupported minor version")
	}
}

func TestHeartbeatSweepEvictsExpiredSession(t *testing.T) {
	d, table, _, codec, port := testSetup()
	port.Enqueue(protocol.BroadcastPipe, joinLocalFrame(codec, 0x1234, 0xCAFEBABE, 1))
	d.Drain(0, 0)
	pipe := table.Sessions()[0].Pipe

	d.SweepHeartbeats(29)
	if table.GetByPipe(pipe) == nil {
		t.Fatal("session evicted too early")
	}

	d.SweepHeartbeats(30)
	if table.GetByPipe(pipe) != nil {
		t.Fatal("expected session evicted at timeout threshold")
	}
}

func TestAppFamilyReassemblyDeliversConcatenatedMessage(t *testing.T) {
	d, table, _, codec, port := testSetup()
	port.Enqueue(protocol.BroadcastPipe, joinLocalFrame(codec, 0x1234, 0xCAFEBABE, 1))
	d.Drain(0, 0)
	sess := table.Sessions()[0]
	pipe := sess.Pipe

	first := protocol.LinkFrame{MsgType: protocol.MsgAppFirst, NetAddr: 0x1234, Payload: []byte("hello ")}
	final := protocol.LinkFrame{MsgType: protocol.MsgApp, NetAddr: 0x1234, Payload: []byte("world")}
	rawFirst, _ := codec.Encode(first)
	rawFinal, _ := codec.Encode(final)
	port.Enqueue(pipe, rawFirst)
	port.Enqueue(pipe, rawFinal)

	d.Drain(0, 0)

	ctx, cancel := testContext()
	defer cancel()
	got, err := sess.AppEndpoint.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("expected concatenated message, got %q", got)
	}
}
