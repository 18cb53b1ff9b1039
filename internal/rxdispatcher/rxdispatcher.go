// Package rxdispatcher implements the inbound drain loop: classification of
// JOIN_LOCAL/JOIN_GATEWAY/HEARTBEAT/UNJOIN_LOCAL/APP-family frames, session
// admission, reassembly of fragmented application messages, and the
// heartbeat eviction sweep. JOIN_LOCAL and HEARTBEAT acceptance is
// guarded per pipe with golang.org/x/time/rate token buckets so a
// misbehaving client cannot flood admission or heartbeat processing.
package rxdispatcher

import (
	"log"

	"golang.org/x/time/rate"

	"github.com/knot-contrib/nrf24gw/internal/clienttable"
	"github.com/knot-contrib/nrf24gw/internal/clock"
	"github.com/knot-contrib/nrf24gw/internal/protocol"
	"github.com/knot-contrib/nrf24gw/internal/radio"
	"github.com/knot-contrib/nrf24gw/internal/txscheduler"
)

// Config bounds versions and the control-message rate limit.
type Config struct {
	MajVersion byte
	MinVersion byte

	// HeartbeatTimeoutSec is NRF24_HEARTBEAT_TIMEOUT_S; sessions idle for
	// this many seconds or more are evicted by SweepHeartbeats.
	HeartbeatTimeoutSec int64

	// ControlRateLimit and ControlRateBurst bound JOIN_LOCAL/HEARTBEAT
	// acceptance per pipe, one token bucket per admitted session plus one
	// shared bucket for pre-admission JOIN_LOCAL traffic on pipe 0.
	ControlRateLimit rate.Limit
	ControlRateBurst int

	// OnAdmit, OnRefuse, and OnEvict, when set, are invoked synchronously
	// from the loop goroutine as the corresponding events occur — the
	// hook point root-level diagnostics wiring (diagws, metrics) uses
	// instead of this package importing an observability dependency
	// directly.
	OnAdmit  func(pipe int, netAddr uint16)
	OnRefuse func(netAddr uint16, reason string)
	OnEvict  func(pipe int, reason string)
}

// Dispatcher drains RadioPort.PrxPipeAvailable each tick, classifies each
// frame, and mutates ClientTable/Scheduler accordingly. Driven exclusively
// by ServerLoop's goroutine; no internal locking.
type Dispatcher struct {
	cfg   Config
	port  radio.Port
	codec *protocol.Codec
	table *clienttable.Table
	out   *txscheduler.Scheduler
	clk   clock.Clock

	gatewayHashID uint32
	gatewayNet    uint16

	joinLimiter *rate.Limiter
	pipeLimiter map[int]*rate.Limiter

	readBuf []byte
}

// New constructs a Dispatcher. gatewayHashID/gatewayNet identify this
// gateway's own JoinMachine identity; gatewayHashID is carried in the
// JoinProbe of every JOIN_RESULT and HEARTBEAT reply. Competing
// JOIN_GATEWAY probes are refused whatever their identity.
func New(cfg Config, port radio.Port, codec *protocol.Codec, table *clienttable.Table, out *txscheduler.Scheduler, clk clock.Clock, gatewayHashID uint32, gatewayNet uint16) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		port:          port,
		codec:         codec,
		table:         table,
		out:           out,
		clk:           clk,
		gatewayHashID: gatewayHashID,
		gatewayNet:    gatewayNet,
		joinLimiter:   rate.NewLimiter(cfg.ControlRateLimit, cfg.ControlRateBurst),
		pipeLimiter:   make(map[int]*rate.Limiter),
		readBuf:       make([]byte, codec.MaxPW+protocol.HeaderSize),
	}
}

// Drain processes every frame currently available on the radio, one per
// call to PrxPipeAvailable/PrxRead, until none remain.
func (d *Dispatcher) Drain(nowMS, nowSec int64) {
	for {
		pipe := d.port.PrxPipeAvailable()
		if pipe == radio.NoPipe {
			return
		}
		n := d.port.PrxRead(pipe, d.readBuf)
		if n == 0 {
			return
		}
		frame, err := d.codec.Decode(d.readBuf[:n])
		if err != nil {
			log.Printf("[rxdispatcher] discarding malformed frame on pipe %d: %v", pipe, err)
			continue
		}
		d.dispatch(pipe, frame, nowSec)
	}
}

func (d *Dispatcher) dispatch(pipe int, f protocol.LinkFrame, nowSec int64) {
	switch {
	case f.MsgType == protocol.MsgJoinLocal && pipe == protocol.BroadcastPipe:
		d.handleJoinLocal(f, nowSec)
	case f.MsgType == protocol.MsgJoinGateway && pipe == protocol.BroadcastPipe:
		d.handleJoinGateway(f)
	case f.MsgType == protocol.MsgHeartbeat:
		d.handleHeartbeat(pipe, f, nowSec)
	case f.MsgType == protocol.MsgUnjoinLocal || f.MsgType == protocol.MsgJoinResult:
		// no-op at the server: UNJOIN_LOCAL is reserved for a future
		// graceful-leave extension; JOIN_RESULT is client-facing only.
	case f.MsgType.IsAppFamily():
		d.handleAppFamily(pipe, f)
	default:
		log.Printf("[rxdispatcher] unexpected msg_type %v on pipe %d", f.MsgType, pipe)
	}
}

func (d *Dispatcher) handleJoinLocal(f protocol.LinkFrame, nowSec int64) {
	if !d.joinLimiter.Allow() {
		return
	}
	probe, err := protocol.DecodeJoinProbe(f.Payload)
	if err != nil {
		log.Printf("[rxdispatcher] malformed JOIN_LOCAL payload: %v", err)
		return
	}

	refuse := func(reason string) {
		if d.cfg.OnRefuse != nil {
			d.cfg.OnRefuse(f.NetAddr, reason)
		}
		d.replyJoinResult(f.NetAddr, protocol.ResultConnRefused, 0)
	}
	if probe.MajVersion > d.cfg.MajVersion || probe.MinVersion > d.cfg.MinVersion {
		refuse("unsupported protocol version")
		return
	}
	_, pipe, err := d.table.TryAdmit(f.NetAddr, probe.HashID, nowSec)
	if err != nil {
		refuse(err.Error())
		return
	}
	d.pipeLimiter[pipe] = rate.NewLimiter(d.cfg.ControlRateLimit, d.cfg.ControlRateBurst)
	if d.cfg.OnAdmit != nil {
		d.cfg.OnAdmit(pipe, f.NetAddr)
	}
	d.replyJoinResult(f.NetAddr, protocol.ResultSuccess, byte(pipe))
}

func (d *Dispatcher) handleJoinGateway(f protocol.LinkFrame) {
	if _, err := protocol.DecodeJoinProbe(f.Payload); err != nil {
		log.Printf("[rxdispatcher] malformed JOIN_GATEWAY payload: %v", err)
		return
	}
	// We are the gateway occupying this channel: any competing
	// JOIN_GATEWAY probe must back off.
	if d.cfg.OnRefuse != nil {
		d.cfg.OnRefuse(f.NetAddr, "competing gateway probe")
	}
	d.replyJoinResult(f.NetAddr, protocol.ResultConnRefused, 0)
}

func (d *Dispatcher) replyJoinResult(netAddr uint16, result protocol.JoinResult, data byte) {
	probe := protocol.JoinProbe{
		MajVersion: d.cfg.MajVersion,
		MinVersion: d.cfg.MinVersion,
		HashID:     d.gatewayHashID,
		Data:       data,
		Result:     result,
	}
	d.out.Enqueue(txscheduler.OutFrame{
		Pipe:    protocol.BroadcastPipe,
		MsgType: protocol.MsgJoinResult,
		NetAddr: netAddr,
		Payload: protocol.EncodeJoinProbe(probe),
	})
}

func (d *Dispatcher) handleHeartbeat(pipe int, f protocol.LinkFrame, nowSec int64) {
	if limiter := d.pipeLimiter[pipe]; limiter != nil && !limiter.Allow() {
		return
	}
	probe, err := protocol.DecodeJoinProbe(f.Payload)
	if err != nil {
		log.Printf("[rxdispatcher] malformed HEARTBEAT payload: %v", err)
		return
	}
	if probe.MajVersion > d.cfg.MajVersion || probe.MinVersion > d.cfg.MinVersion {
		d.replyHeartbeat(pipe, f.NetAddr, protocol.ResultConnRefused)
		return
	}
	if !d.table.TouchHeartbeat(pipe, f.NetAddr, probe.HashID, nowSec) {
		d.replyHeartbeat(pipe, f.NetAddr, protocol.ResultConnRefused)
		return
	}
	d.replyHeartbeat(pipe, f.NetAddr, protocol.ResultSuccess)
}

func (d *Dispatcher) replyHeartbeat(pipe int, netAddr uint16, result protocol.JoinResult) {
	probe := protocol.JoinProbe{
		MajVersion: d.cfg.MajVersion,
		MinVersion: d.cfg.MinVersion,
		HashID:     d.gatewayHashID,
		Result:     result,
	}
	d.out.Enqueue(txscheduler.OutFrame{
		Pipe:    pipe,
		MsgType: protocol.MsgHeartbeat,
		NetAddr: netAddr,
		Payload: protocol.EncodeJoinProbe(probe),
	})
}

func (d *Dispatcher) handleAppFamily(pipe int, f protocol.LinkFrame) {
	sess := d.table.GetByPipe(pipe)
	if sess == nil {
		return
	}
	switch f.MsgType {
	case protocol.MsgAppFirst:
		sess.Reassembly = append([]byte(nil), f.Payload...)
	case protocol.MsgAppFrag:
		if sess.Reassembly == nil {
			// fragment without a preceding FIRST: malformed sequence, discard.
			return
		}
		sess.Reassembly = append(sess.Reassembly, f.Payload...)
	case protocol.MsgApp:
		if len(f.Payload) == 0 {
			return
		}
		var msg []byte
		if sess.Reassembly != nil {
			sess.Reassembly = append(sess.Reassembly, f.Payload...)
			msg = sess.Reassembly
			sess.Reassembly = nil
		} else {
			msg = f.Payload
		}
		if sess.LocalEndpoint != nil {
			if err := sess.LocalEndpoint.Send(msg); err != nil {
				log.Printf("[rxdispatcher] delivering app message to pipe %d: %v", pipe, err)
			}
		}
	}
}

// SweepHeartbeats evicts every session whose last_heartbeat is
// HeartbeatTimeoutSec or more seconds old.
func (d *Dispatcher) SweepHeartbeats(nowSec int64) {
	for _, sess := range d.table.Sessions() {
		if nowSec-sess.LastHeartbeatSec >= d.cfg.HeartbeatTimeoutSec {
			log.Printf("[rxdispatcher] evicting pipe %d: heartbeat timeout", sess.Pipe)
			if d.cfg.OnEvict != nil {
				d.cfg.OnEvict(sess.Pipe, "heartbeat timeout")
			}
			d.table.Evict(sess.Pipe)
			delete(d.pipeLimiter, sess.Pipe)
		}
	}
}
