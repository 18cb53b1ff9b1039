// Package join implements channel acquisition: the Machine scans
// [CH_MIN, CH_MAX] broadcasting a JOIN_GATEWAY probe on pipe 0 and claims
// the first channel that stays silent for the probe window. Silence means
// no gateway is already present there, so this gateway takes it; a
// JOIN_RESULT reply means the channel is occupied and the scan moves on.
package join

import (
	"github.com/knot-contrib/nrf24gw/internal/protocol"
	"github.com/knot-contrib/nrf24gw/internal/radio"
	"github.com/knot-contrib/nrf24gw/internal/rng"
)

// State is a Machine state.
type State int

const (
	StateIdle State = iota
	StateProbe
	StateAwaitResult
	StateJoined
	StateChannelBusy
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateProbe:
		return "Probe"
	case StateAwaitResult:
		return "AwaitResult"
	case StateJoined:
		return "Joined"
	case StateChannelBusy:
		return "ChannelBusy"
	default:
		return "Unknown"
	}
}

// Config bounds and paces the channel scan.
type Config struct {
	ChMin        int
	ChMax        int
	MajVersion   byte
	MinVersion   byte
	JoinRetryMin int // JOIN_RETRY
	SendDelayMS  int // SEND_DELAY_MS
	SendInterval int // SEND_INTERVAL, multiplies SendDelayMS for the jitter ceiling
}

// Machine drives the JOIN_GATEWAY channel scan on a single radio.Port. It is
// driven exclusively from ServerLoop's goroutine; no internal locking.
type Machine struct {
	cfg   Config
	port  radio.Port
	codec *protocol.Codec
	rng   *rng.Source

	state State

	startChannel int
	hashID       uint32
	netAddr      uint16
	retryBudget  int

	probeStartMS int64
	delayMS      int

	// JoinedChannel is set once State reaches StateJoined.
	JoinedChannel int
}

// New constructs a Machine. port must already be opened on pipe 0
// (BROADCAST) by the caller before Start is invoked.
func New(cfg Config, port radio.Port, codec *protocol.Codec, src *rng.Source) *Machine {
	return &Machine{cfg: cfg, port: port, codec: codec, rng: src, state: StateIdle}
}

// State returns the current machine state.
func (m *Machine) State() State { return m.state }

// Start begins the scan on the radio's current channel, building the
// JOIN_GATEWAY probe: random hashid, net_addr = (hashid >> 16) ^ hashid,
// retry budget drawn from [JoinRetryMin, 2*JoinRetryMin).
func (m *Machine) Start(nowMS int64) {
	m.startChannel = m.port.GetChannel()
	m.hashID = m.rng.Uint32()
	m.netAddr = uint16(m.hashID>>16) ^ uint16(m.hashID)
	m.retryBudget = m.rng.Jitter(m.cfg.JoinRetryMin, 2*m.cfg.JoinRetryMin-1)
	m.state = StateProbe
}

// Step advances the machine by one tick. nowMS is the current monotonic
// timestamp used for the probe-window deadline.
func (m *Machine) Step(nowMS int64) {
	switch m.state {
	case StateProbe:
		m.sendProbe(nowMS)
	case StateAwaitResult:
		m.awaitResult(nowMS)
	case StateJoined, StateChannelBusy, StateIdle:
		// terminal or not-yet-started; nothing to do.
	}
}

func (m *Machine) sendProbe(nowMS int64) {
	probe := protocol.JoinProbe{
		MajVersion: m.cfg.MajVersion,
		MinVersion: m.cfg.MinVersion,
		HashID:     m.hashID,
		Data:       byte(m.retryBudget),
		Result:     protocol.ResultSuccess,
	}
	frame := protocol.LinkFrame{
		MsgType: protocol.MsgJoinGateway,
		NetAddr: m.netAddr,
		Payload: protocol.EncodeJoinProbe(probe),
	}
	raw, err := m.codec.Encode(frame)
	if err != nil {
		// A probe never exceeds MAX_PW by construction; if it somehow did,
		// treat it as channel-busy rather than wedge the scan.
		m.state = StateChannelBusy
		return
	}
	m.port.SetPTX(protocol.BroadcastPipe)
	h := m.port.PtxWrite(raw, false)
	m.port.PtxWaitSent(h)
	m.port.SetPRX()

	m.probeStartMS = nowMS
	m.delayMS = m.rng.Jitter(m.cfg.SendDelayMS, m.cfg.SendInterval*m.cfg.SendDelayMS)
	m.state = StateAwaitResult
}

// FrameReceived feeds one inbound frame already classified by the caller
// (drained from pipe 0) into the AwaitResult step. Any JOIN_RESULT on pipe 0
// means the channel is already claimed by another gateway; treat it as
// occupied and move on, regardless of the carried result code.
func (m *Machine) FrameReceived(f protocol.LinkFrame) {
	if m.state != StateAwaitResult {
		return
	}
	if f.MsgType == protocol.MsgJoinResult {
		m.nextChannel()
	}
}

func (m *Machine) awaitResult(nowMS int64) {
	if nowMS-m.probeStartMS >= int64(m.delayMS) {
		m.retry()
	}
}

func (m *Machine) retry() {
	m.retryBudget--
	if m.retryBudget <= 0 {
		m.state = StateJoined
		m.JoinedChannel = m.port.GetChannel()
		return
	}
	m.state = StateProbe
}

func (m *Machine) nextChannel() {
	m.port.SetStandby()
	next := m.port.GetChannel() + 2
	if next > m.cfg.ChMax {
		next = m.cfg.ChMin
	}
	if err := m.port.SetChannel(next); err != nil {
		m.state = StateChannelBusy
		return
	}
	m.retryBudget = m.rng.Jitter(m.cfg.JoinRetryMin, 2*m.cfg.JoinRetryMin-1)
	if next == m.startChannel {
		m.state = StateChannelBusy
		return
	}
	m.state = StateProbe
}

// HashID returns the gateway's own hashid, derived at Start and reused by
// RxDispatcher when building this gateway's identity-bearing replies.
func (m *Machine) HashID() uint32 { return m.hashID }

// NetAddr returns the gateway's own net_addr, derived at Start.
func (m *Machine) NetAddr() uint16 { return m.netAddr }
