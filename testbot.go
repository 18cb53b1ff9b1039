package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/knot-contrib/nrf24gw/internal/protocol"
	"github.com/knot-contrib/nrf24gw/internal/radio"
	"github.com/knot-contrib/nrf24gw/internal/rng"
)

// RunTestBot drives a simulated nRF24 client against port, a radio.Mock
// peered with the gateway's own mock radio (see main.go's -test-bot flag;
// this has no role against real hardware). It performs the JOIN_LOCAL handshake
// and then sends a HEARTBEAT and one APP message every heartbeatInterval
// until ctx is canceled, so a freshly started demo gateway has something to
// admit and serve without external test tooling.
func RunTestBot(ctx context.Context, port *radio.Mock, codec *protocol.Codec, name string, majVersion, minVersion byte, heartbeatInterval time.Duration) {
	src := rng.New(time.Now().UnixNano())
	hashID := src.Uint32()
	netAddr := uint16(hashID>>16) ^ uint16(hashID)

	pipe, ok := testbotJoin(ctx, port, codec, hashID, netAddr, majVersion, minVersion)
	if !ok {
		log.Printf("[testbot] %q failed to join", name)
		return
	}
	log.Printf("[testbot] %q joined as net_addr=0x%04x on pipe %d", name, netAddr, pipe)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var seq byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			testbotHeartbeat(port, codec, pipe, netAddr, hashID, majVersion, minVersion)
			testbotSendApp(port, codec, pipe, netAddr, name, seq)
			seq++
		}
	}
}

// testbotJoin sends JOIN_LOCAL on the broadcast pipe and waits for a
// matching JOIN_RESULT, returning the pipe the gateway assigned.
func testbotJoin(ctx context.Context, port *radio.Mock, codec *protocol.Codec, hashID uint32, netAddr uint16, majVersion, minVersion byte) (int, bool) {
	probe := protocol.JoinProbe{MajVersion: majVersion, MinVersion: minVersion, HashID: hashID}
	frame := protocol.LinkFrame{MsgType: protocol.MsgJoinLocal, NetAddr: netAddr, Payload: protocol.EncodeJoinProbe(probe)}
	raw, err := codec.Encode(frame)
	if err != nil {
		log.Printf("[testbot] encoding JOIN_LOCAL: %v", err)
		return 0, false
	}
	port.SetPTX(protocol.BroadcastPipe)
	h := port.PtxWrite(raw, false)
	port.PtxWaitSent(h)
	port.SetPRX()

	buf := make([]byte, codec.MaxPW+protocol.HeaderSize)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, false
		default:
		}
		if port.PrxPipeAvailable() != protocol.BroadcastPipe {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		n := port.PrxRead(protocol.BroadcastPipe, buf)
		if n == 0 {
			continue
		}
		reply, err := codec.Decode(buf[:n])
		if err != nil || reply.MsgType != protocol.MsgJoinResult || reply.NetAddr != netAddr {
			continue
		}
		result, err := protocol.DecodeJoinProbe(reply.Payload)
		if err != nil || result.Result != protocol.ResultSuccess {
			return 0, false
		}
		return int(result.Data), true
	}
	return 0, false
}

func testbotHeartbeat(port *radio.Mock, codec *protocol.Codec, pipe int, netAddr uint16, hashID uint32, majVersion, minVersion byte) {
	probe := protocol.JoinProbe{MajVersion: majVersion, MinVersion: minVersion, HashID: hashID}
	frame := protocol.LinkFrame{MsgType: protocol.MsgHeartbeat, NetAddr: netAddr, Payload: protocol.EncodeJoinProbe(probe)}
	raw, err := codec.Encode(frame)
	if err != nil {
		log.Printf("[testbot] encoding HEARTBEAT: %v", err)
		return
	}
	port.SetPTX(pipe)
	h := port.PtxWrite(raw, true)
	port.PtxWaitSent(h)
	port.SetPRX()
}

func testbotSendApp(port *radio.Mock, codec *protocol.Codec, pipe int, netAddr uint16, name string, seq byte) {
	payload := []byte(fmt.Sprintf("%s#%d", name, seq))
	frame := protocol.LinkFrame{MsgType: protocol.MsgApp, NetAddr: netAddr, Payload: payload}
	raw, err := codec.Encode(frame)
	if err != nil {
		// payload exceeds MAX_PW for this demo bot's fixed message shape;
		// fragmentation is TxScheduler's job on the server side, not
		// reproduced here for a one-line test payload.
		log.Printf("[testbot] encoding APP: %v", err)
		return
	}
	port.SetPTX(pipe)
	h := port.PtxWrite(raw, true)
	port.PtxWaitSent(h)
	port.SetPRX()
}
