package radio

import "sync"

// Mock is an in-memory radio.Port used by tests and by the simulated test
// client (see testbot.go at the repository root). It optionally forwards
// transmitted frames to a Peer mock, letting tests wire two Mocks
// back-to-back to exercise a full JOIN/admission/app-data round trip
// without real hardware.
type Mock struct {
	mu sync.Mutex

	channel  int
	min, max int
	pipes    map[int]uint64
	ptxPipe  int
	prx      bool

	rx map[int][][]byte

	// Peer, when set, receives every PtxWrite as an inbound frame on the
	// same pipe, simulating the other side of the air link.
	Peer *Mock

	// SendHook, when set, overrides the outcome of PtxWrite/PtxWaitSent;
	// it receives the frame and whether an ACK was required.
	SendHook func(buf []byte, requireAck bool) SendOutcome

	nextHandle uint64
	Sent       [][]byte // log of every frame handed to PtxWrite, in order
	pending    map[WaitHandle]SendOutcome
}

// NewMock returns a Mock radio with channel range [min, max], initially
// parked at min.
func NewMock(min, max int) *Mock {
	return &Mock{
		channel: min,
		min:     min,
		max:     max,
		pipes:   make(map[int]uint64),
		rx:      make(map[int][][]byte),
	}
}

func (m *Mock) SetChannel(ch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ChannelRange(ch, m.min, m.max); err != nil {
		return err
	}
	m.channel = ch
	return nil
}

func (m *Mock) GetChannel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *Mock) SetPRX() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prx = true
}

func (m *Mock) SetPTX(pipe int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prx = false
	m.ptxPipe = pipe
}

func (m *Mock) SetStandby() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prx = false
}

func (m *Mock) OpenPipe(pipe int, addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipes[pipe] = addr
	return nil
}

func (m *Mock) ClosePipe(pipe int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pipes, pipe)
	return nil
}

func (m *Mock) PrxPipeAvailable() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pipe, q := range m.rx {
		if len(q) > 0 {
			return pipe
		}
	}
	return NoPipe
}

func (m *Mock) PrxRead(pipe int, buf []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.rx[pipe]
	if len(q) == 0 {
		return 0
	}
	frame := q[0]
	m.rx[pipe] = q[1:]
	n := copy(buf, frame)
	return n
}

func (m *Mock) PtxWrite(buf []byte, requireAck bool) WaitHandle {
	m.mu.Lock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.Sent = append(m.Sent, cp)
	m.nextHandle++
	h := WaitHandle(m.nextHandle)
	pipe := m.ptxPipe
	peer := m.Peer
	hook := m.SendHook
	m.mu.Unlock()

	outcome := Sent
	if hook != nil {
		outcome = hook(cp, requireAck)
	}
	if outcome == Sent && peer != nil {
		peer.Enqueue(pipe, cp)
	}
	m.mu.Lock()
	if m.pending == nil {
		m.pending = make(map[WaitHandle]SendOutcome)
	}
	m.pending[h] = outcome
	m.mu.Unlock()
	return h
}

func (m *Mock) PtxWaitSent(h WaitHandle) SendOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.pending[h]
	if !ok {
		return Sent
	}
	delete(m.pending, h)
	return outcome
}

// PipeOpen reports whether pipe is currently open.
func (m *Mock) PipeOpen(pipe int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pipes[pipe]
	return ok
}

// InPRX reports whether the radio is currently in PRX mode.
func (m *Mock) InPRX() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prx
}

// Enqueue injects an inbound frame on pipe, as if received over the air.
func (m *Mock) Enqueue(pipe int, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	m.rx[pipe] = append(m.rx[pipe], cp)
}
