// Package txscheduler implements the outbound FIFO: fragmentation of
// oversized APP payloads, jittered send pacing, and bounded retry with
// tail-requeue. Each successful fragment re-queues its entry at the tail
// so every queued entry gets a turn between fragments, bounding
// head-of-line blocking.
package txscheduler

import (
	"fmt"
	"log"

	"github.com/knot-contrib/nrf24gw/internal/protocol"
	"github.com/knot-contrib/nrf24gw/internal/radio"
	"github.com/knot-contrib/nrf24gw/internal/rng"
)

// Substate is the scheduler's internal pacing state.
type Substate int

const (
	SubFire Substate = iota
	SubGap
	SubTransmit
)

// Config bounds pacing and retry.
type Config struct {
	MaxPW        int
	SendDelayMS  int // SEND_DELAY_MS
	SendInterval int // SEND_INTERVAL
	SendRetry    int // SEND_RETRY

	// OnDrop, when set, is invoked synchronously whenever a frame is
	// dropped after exhausting its retry budget — the hook point
	// root-level diagnostics/metrics wiring uses instead of this package
	// importing an observability dependency directly.
	OnDrop func(pipe int)
}

// OutFrame is one enqueued outbound application (or control) message,
// possibly larger than MaxPW and subject to fragmentation as it is sent.
type OutFrame struct {
	Pipe    int
	MsgType protocol.MsgType
	NetAddr uint16
	Payload []byte

	offset      int
	offsetRetry int
	retryBudget int
}

// Scheduler drives one outbound FIFO against a radio.Port. Driven
// exclusively by ServerLoop's goroutine; no internal locking.
type Scheduler struct {
	cfg   Config
	port  radio.Port
	codec *protocol.Codec
	rng   *rng.Source

	queue []*OutFrame
	sub   Substate

	fireStartMS int64
	delayMS     int
}

// New constructs a Scheduler.
func New(cfg Config, port radio.Port, codec *protocol.Codec, src *rng.Source) *Scheduler {
	return &Scheduler{cfg: cfg, port: port, codec: codec, rng: src, sub: SubFire}
}

// Enqueue appends a new OutFrame to the tail of the FIFO, initializing its
// retry budget to SEND_RETRY.
func (s *Scheduler) Enqueue(f OutFrame) {
	f.retryBudget = s.cfg.SendRetry
	cp := f
	s.queue = append(s.queue, &cp)
}

// Len reports the number of entries currently queued.
func (s *Scheduler) Len() int {
	return len(s.queue)
}

// Tick advances the scheduler by one step. nowMS is the current monotonic
// timestamp.
func (s *Scheduler) Tick(nowMS int64) {
	switch s.sub {
	case SubFire:
		s.fireStartMS = nowMS
		s.delayMS = s.rng.Jitter(s.cfg.SendDelayMS, s.cfg.SendInterval*s.cfg.SendDelayMS)
		s.sub = SubGap
	case SubGap:
		if nowMS-s.fireStartMS >= int64(s.delayMS) {
			s.sub = SubTransmit
		}
	case SubTransmit:
		s.transmit()
		s.sub = SubFire
	}
}

func (s *Scheduler) transmit() {
	if len(s.queue) == 0 {
		return
	}
	entry := s.queue[0]
	s.queue = s.queue[1:]

	mt, chunk := s.nextChunk(entry)
	entry.offsetRetry = entry.offset
	entry.offset += len(chunk)

	frame := protocol.LinkFrame{MsgType: mt, NetAddr: entry.NetAddr, Payload: chunk}
	raw, err := s.codec.Encode(frame)
	if err != nil {
		log.Printf("[txscheduler] dropping frame on pipe %d: %v", entry.Pipe, err)
		return
	}

	requireAck := entry.Pipe != protocol.BroadcastPipe
	s.port.SetPTX(entry.Pipe)
	h := s.port.PtxWrite(raw, requireAck)
	outcome := s.port.PtxWaitSent(h)
	s.port.SetPRX()

	switch {
	case outcome == radio.Failed:
		entry.retryBudget--
		if entry.retryBudget <= 0 {
			log.Printf("[txscheduler] dropping frame on pipe %d after %d failed attempts", entry.Pipe, s.cfg.SendRetry)
			if s.cfg.OnDrop != nil {
				s.cfg.OnDrop(entry.Pipe)
			}
			return
		}
		entry.offset = entry.offsetRetry
		s.queue = append(s.queue, entry)
	case entry.offset >= len(entry.Payload):
		// completed
	default:
		s.queue = append(s.queue, entry)
	}
}

// nextChunk computes the message type and payload slice for the next
// on-air frame of entry. An APP payload larger than MaxPW goes out as
// APP_FIRST, zero or more APP_FRAGs, and a terminating APP.
func (s *Scheduler) nextChunk(entry *OutFrame) (protocol.MsgType, []byte) {
	total := len(entry.Payload)
	if entry.MsgType != protocol.MsgApp || total <= s.cfg.MaxPW {
		return entry.MsgType, entry.Payload[entry.offset:]
	}
	switch {
	case entry.offset == 0:
		end := min(s.cfg.MaxPW, total)
		return protocol.MsgAppFirst, entry.Payload[:end]
	case total-entry.offset > s.cfg.MaxPW:
		end := entry.offset + s.cfg.MaxPW
		return protocol.MsgAppFrag, entry.Payload[entry.offset:end]
	default:
		return protocol.MsgApp, entry.Payload[entry.offset:]
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// DropAll empties the queue, used on server close.
func (s *Scheduler) DropAll() {
	n := len(s.queue)
	s.queue = nil
	if n > 0 {
		log.Printf("[txscheduler] dropped %d queued frame(s) on close", n)
	}
}

// String renders the substate for diagnostics logging.
func (s Substate) String() string {
	switch s {
	case SubFire:
		return "Fire"
	case SubGap:
		return "Gap"
	case SubTransmit:
		return "Transmit"
	default:
		return fmt.Sprintf("Substate(%d)", int(s))
	}
}
