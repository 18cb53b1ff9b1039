// Package serverloop drives the top-level link server state machine and
// exposes the public open/close/accept/cancel/available control surface.
// A single goroutine drives a ticker and owns the JoinMachine, ClientTable,
// TxScheduler, and RxDispatcher; Close does an orderly teardown.
package serverloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/knot-contrib/nrf24gw/internal/clienttable"
	"github.com/knot-contrib/nrf24gw/internal/clock"
	"github.com/knot-contrib/nrf24gw/internal/join"
	"github.com/knot-contrib/nrf24gw/internal/protocol"
	"github.com/knot-contrib/nrf24gw/internal/radio"
	"github.com/knot-contrib/nrf24gw/internal/rendezvous"
	"github.com/knot-contrib/nrf24gw/internal/rng"
	"github.com/knot-contrib/nrf24gw/internal/rxdispatcher"
	"github.com/knot-contrib/nrf24gw/internal/txscheduler"
)

// State is the loop's top-level state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateJoining
	StateServing
	StateChannelBusy
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateJoining:
		return "Joining"
	case StateServing:
		return "Serving"
	case StateChannelBusy:
		return "ChannelBusy"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Error kinds surfaced by the control surface, compared with errors.Is.
var (
	ErrBadFile      = errors.New("serverloop: EBADF")
	ErrAlreadyOpen  = errors.New("serverloop: EMFILE")
	ErrInvalid      = errors.New("serverloop: EINVAL")
	ErrNoMemory     = errors.New("serverloop: ENOMEM")
	ErrChannelsBusy = errors.New("serverloop: EUSERS")
	ErrCanceled     = errors.New("serverloop: ECANCELED")
)

// Config bundles every policy constant and collaborator the loop needs to
// construct its JoinMachine, TxScheduler, and RxDispatcher.
type Config struct {
	PollInterval time.Duration // POLLTIME_MS

	ChMin, ChMax int
	MajVersion   byte
	MinVersion   byte
	JoinRetryMin int // JOIN_RETRY

	MaxPW        int
	SendDelayMS  int // SEND_DELAY_MS
	SendInterval int // SEND_INTERVAL
	SendRetry    int // SEND_RETRY

	HeartbeatTimeoutSec int64
	ControlRateLimit    rate.Limit
	ControlRateBurst    int

	PipeAddrs [6]uint64 // fixed on-air addresses for pipes 0..5

	// OnAdmit, OnRefuse, and OnEvict are forwarded verbatim to the
	// RxDispatcher this loop constructs — root-level wiring's hook into
	// admission/refusal/eviction events for diagnostics and metrics.
	// Nil fields are simply never called.
	OnAdmit  func(pipe int, netAddr uint16)
	OnRefuse func(netAddr uint16, reason string)
	OnEvict  func(pipe int, reason string)
	OnDrop   func(pipe int)

	// OnChannelAcquired and OnChannelBusy fire on the Joining->Serving and
	// Joining->Closing(busy) transitions respectively. Nil fields are simply
	// never called.
	OnChannelAcquired func(channel int)
	OnChannelBusy     func()
}

// Loop owns the full link server: JoinMachine, ClientTable, TxScheduler,
// RxDispatcher, and the local rendezvous server endpoint. Exactly one
// goroutine (run by Open) drives these; the one mutation from other
// goroutines is Accept flipping a session to PRX under ClientTable's lock.
// Everything else communicates through the accept semaphore or the control
// channels below.
type Loop struct {
	cfg   Config
	port  radio.Port
	codec *protocol.Codec
	clk   clock.Clock
	rng   *rng.Source

	// state is written only by the loop goroutine (and by Open before the
	// goroutine starts) but polled by State() from application threads, so
	// it is stored atomically.
	state atomic.Int32

	table *clienttable.Table
	join  *join.Machine
	tx    *txscheduler.Scheduler
	rx    *rxdispatcher.Dispatcher

	sema *rendezvous.Semaphore

	closeCh  chan struct{}
	cancelCh chan struct{}
	done     chan struct{}
}

// New constructs an unopened Loop. port must not yet have been touched;
// Open takes full ownership of it.
func New(cfg Config, port radio.Port, codec *protocol.Codec, clk clock.Clock, src *rng.Source) *Loop {
	return &Loop{
		cfg:      cfg,
		port:     port,
		codec:    codec,
		clk:      clk,
		rng:      src,
		sema:     rendezvous.NewSemaphore(),
		cancelCh: make(chan struct{}, 1),
	}
}

// Open validates arguments, allocates the run-time collaborators, and
// launches the loop goroutine. It returns in state Opening (or with an
// error) as soon as the goroutine is launched; the goroutine moves the loop
// to Joining, and every later state transition happens asynchronously.
func (l *Loop) Open(ch int) error {
	if l.port == nil {
		return ErrBadFile
	}
	if l.State() != StateClosed {
		return ErrAlreadyOpen
	}
	if err := radio.ChannelRange(ch, l.cfg.ChMin, l.cfg.ChMax); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	l.table = clienttable.New()
	l.tx = txscheduler.New(txscheduler.Config{
		MaxPW:        l.cfg.MaxPW,
		SendDelayMS:  l.cfg.SendDelayMS,
		SendInterval: l.cfg.SendInterval,
		SendRetry:    l.cfg.SendRetry,
		OnDrop:       l.cfg.OnDrop,
	}, l.port, l.codec, l.rng)
	l.join = join.New(join.Config{
		ChMin:        l.cfg.ChMin,
		ChMax:        l.cfg.ChMax,
		MajVersion:   l.cfg.MajVersion,
		MinVersion:   l.cfg.MinVersion,
		JoinRetryMin: l.cfg.JoinRetryMin,
		SendDelayMS:  l.cfg.SendDelayMS,
		SendInterval: l.cfg.SendInterval,
	}, l.port, l.codec, l.rng)

	l.closeCh = make(chan struct{})
	l.done = make(chan struct{})
	if cap(l.cancelCh) == 0 {
		l.cancelCh = make(chan struct{}, 1)
	}

	if err := l.port.SetChannel(ch); err != nil {
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	for pipe, addr := range l.cfg.PipeAddrs {
		if err := l.port.OpenPipe(pipe, addr); err != nil {
			return fmt.Errorf("%w: opening pipe %d: %v", ErrNoMemory, pipe, err)
		}
	}

	l.setState(StateOpening)
	go l.run()
	return nil
}

func (l *Loop) run() {
	defer close(l.done)
	l.setState(StateJoining)
	l.join.Start(l.clk.NowMillis())
	l.rx = rxdispatcher.New(rxdispatcher.Config{
		MajVersion:          l.cfg.MajVersion,
		MinVersion:          l.cfg.MinVersion,
		HeartbeatTimeoutSec: l.cfg.HeartbeatTimeoutSec,
		ControlRateLimit:    l.cfg.ControlRateLimit,
		ControlRateBurst:    l.cfg.ControlRateBurst,
		OnAdmit:             l.cfg.OnAdmit,
		OnRefuse:            l.cfg.OnRefuse,
		OnEvict:             l.cfg.OnEvict,
	}, l.port, l.codec, l.table, l.tx, l.clk, l.join.HashID(), l.join.NetAddr())

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closeCh:
			l.doClose()
			return
		case <-ticker.C:
			l.tick()
			if l.State() == StateClosing {
				l.doClose()
				return
			}
		}
	}
}

func (l *Loop) tick() {
	nowMS := l.clk.NowMillis()
	nowSec := l.clk.NowSeconds()

	switch l.State() {
	case StateJoining:
		l.drainJoinFrames()
		l.join.Step(nowMS)
		switch l.join.State() {
		case join.StateJoined:
			l.setState(StateServing)
			log.Printf("[serverloop] joined channel %d", l.join.JoinedChannel)
			if l.cfg.OnChannelAcquired != nil {
				l.cfg.OnChannelAcquired(l.join.JoinedChannel)
			}
		case join.StateChannelBusy:
			if l.cfg.OnChannelBusy != nil {
				l.cfg.OnChannelBusy()
			}
			l.sema.PostError(ErrChannelsBusy)
			l.setState(StateClosing)
		}
	case StateServing:
		before := l.table.Count()
		l.rx.Drain(nowMS, nowSec)
		l.tx.Tick(nowMS)
		l.rx.SweepHeartbeats(nowSec)
		if after := l.table.Count(); after > before {
			l.sema.PostCredit(int64(after - before))
		}
	}
}

// drainJoinFrames feeds any pipe-0 frame to the JoinMachine while still
// acquiring a channel; RxDispatcher only starts consuming once Serving.
func (l *Loop) drainJoinFrames() {
	for {
		pipe := l.port.PrxPipeAvailable()
		if pipe != protocol.BroadcastPipe {
			return
		}
		buf := make([]byte, l.cfg.MaxPW+protocol.HeaderSize)
		n := l.port.PrxRead(pipe, buf)
		if n == 0 {
			return
		}
		frame, err := l.codec.Decode(buf[:n])
		if err != nil {
			continue
		}
		l.join.FrameReceived(frame)
	}
}

func (l *Loop) doClose() {
	l.setState(StateClosing)
	// Wake any Accept blocked in l.sema.Wait before tearing sessions down,
	// so Close races safely with Accept: the loop drains and Accept
	// returns EBADF instead of blocking on the caller's ctx.
	l.sema.PostError(ErrBadFile)
	l.port.SetStandby()
	for pipe := len(l.cfg.PipeAddrs) - 1; pipe >= 0; pipe-- {
		l.port.ClosePipe(pipe)
	}
	if l.table != nil {
		l.table.EvictAll()
	}
	if l.tx != nil {
		l.tx.DropAll()
	}
	l.setState(StateClosed)
}

// Close signals the loop to tear down and blocks until it has exited.
// Idempotent.
func (l *Loop) Close() {
	if l.State() == StateClosed {
		return
	}
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	if l.done != nil {
		<-l.done
	}
}

// Accept blocks until an OPEN session exists, then flips it to PRX and
// returns its client-side rendezvous endpoint. A concurrent Cancel call
// unblocks it immediately with ECANCELED.
func (l *Loop) Accept(ctx context.Context) (*rendezvous.Endpoint, error) {
	if l.port == nil {
		return nil, ErrBadFile
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.cancelCh:
			cancel()
		case <-cancelCtx.Done():
		}
	}()

	for {
		sig, err := l.sema.Wait(cancelCtx)
		if err != nil {
			if ctx.Err() == nil {
				// cancelCtx was cancelled by Cancel(), not by the caller's ctx.
				return nil, ErrCanceled
			}
			return nil, err
		}
		if sig.Err != nil {
			return nil, sig.Err
		}
		for _, sess := range l.table.Sessions() {
			if sess.State == clienttable.StateOpen {
				if err := l.table.Accept(sess.Pipe); err != nil {
					continue
				}
				return sess.AppEndpoint, nil
			}
		}
	}
}

// Cancel causes a pending Accept to return ECANCELED exactly once.
func (l *Loop) Cancel() {
	select {
	case l.cancelCh <- struct{}{}:
	default:
	}
}

// Available reports whether Accept would return immediately, within
// timeout.
func (l *Loop) Available(timeout time.Duration) bool {
	return l.sema.Available(timeout)
}

// State returns the loop's current top-level state.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Channel returns the radio's current channel, or -1 if the loop was
// constructed without a radio port.
func (l *Loop) Channel() int {
	if l.port == nil {
		return -1
	}
	return l.port.GetChannel()
}

// Sessions returns a snapshot of every currently admitted client session,
// for diagnostics. Returns nil if the loop has not been opened.
func (l *Loop) Sessions() []*clienttable.ClientSession {
	if l.table == nil {
		return nil
	}
	return l.table.Sessions()
}
