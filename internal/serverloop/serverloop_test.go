package serverloop

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/knot-contrib/nrf24gw/internal/clock"
	"github.com/knot-contrib/nrf24gw/internal/protocol"
	"github.com/knot-contrib/nrf24gw/internal/radio"
	"github.com/knot-contrib/nrf24gw/internal/rng"
)

func testConfig() Config {
	return Config{
		PollInterval:        time.Millisecond,
		ChMin:               76,
		ChMax:               78,
		MajVersion:          1,
		MinVersion:          0,
		JoinRetryMin:        2,
		MaxPW:               22,
		SendDelayMS:         1,
		SendInterval:        2,
		SendRetry:           2,
		HeartbeatTimeoutSec: 30,
		ControlRateLimit:    rate.Limit(20),
		ControlRateBurst:    10,
		PipeAddrs:           [6]uint64{0xE0, 0xE1, 0xE2, 0xE3, 0xE4, 0xE5},
	}
}

func waitForState(t *testing.T, l *Loop, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, last state %v", want, l.State())
}

func newTestLoop() (*Loop, *radio.Mock) {
	port := radio.NewMock(76, 78)
	codec := protocol.NewCodec(22)
	l := New(testConfig(), port, codec, clock.NewReal(), rng.New(1))
	return l, port
}

func TestOpenReachesServingOnSilentChannel(t *testing.T) {
	l, _ := newTestLoop()
	if err := l.Open(76); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	waitForState(t, l, StateServing, 2*time.Second)
}

func TestOpenRejectsInvalidChannel(t *testing.T) {
	l, _ := newTestLoop()
	if err := l.Open(200); err == nil {
		t.Fatal("expected error opening invalid channel")
	}
}

func TestOpenTwiceReturnsEMFILE(t *testing.T) {
	l, _ := newTestLoop()
	if err := l.Open(76); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()
	waitForState(t, l, StateServing, 2*time.Second)

	if err := l.Open(77); err != ErrAlreadyOpen {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestOpenCloseOpenCloseRoundTrip(t *testing.T) {
	l, _ := newTestLoop()
	if err := l.Open(76); err != nil {
		t.Fatalf("first open: %v", err)
	}
	waitForState(t, l, StateServing, 2*time.Second)
	l.Close()
	if l.State() != StateClosed {
		t.Fatalf("expected Closed after first Close, got %v", l.State())
	}

	if err := l.Open(76); err != nil {
		t.Fatalf("second open: %v", err)
	}
	waitForState(t, l, StateServing, 2*time.Second)
	l.Close()
	if l.State() != StateClosed {
		t.Fatalf("expected Closed after second Close, got %v", l.State())
	}
}

func TestCloseStandbysRadioAndClosesPipes(t *testing.T) {
	l, port := newTestLoop()
	if err := l.Open(76); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitForState(t, l, StateServing, 2*time.Second)
	l.Close()

	if port.InPRX() {
		t.Fatal("expected radio out of PRX after close")
	}
	for pipe := 0; pipe <= 5; pipe++ {
		if port.PipeOpen(pipe) {
			t.Fatalf("expected pipe %d closed after close", pipe)
		}
	}
}

func TestAcceptAdmitsJoinedClient(t *testing.T) {
	l, port := newTestLoop()
	if err := l.Open(76); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()
	waitForState(t, l, StateServing, 2*time.Second)

	probe := protocol.JoinProbe{MajVersion: 1, MinVersion: 0, HashID: 0xCAFEBABE}
	frame := protocol.LinkFrame{MsgType: protocol.MsgJoinLocal, NetAddr: 0x1234, Payload: protocol.EncodeJoinProbe(probe)}
	raw, err := protocol.NewCodec(22).Encode(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	port.Enqueue(protocol.BroadcastPipe, raw)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	endpoint, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if endpoint == nil {
		t.Fatal("expected non-nil endpoint")
	}
}

func TestCancelUnblocksAccept(t *testing.T) {
	l, _ := newTestLoop()
	if err := l.Open(76); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()
	waitForState(t, l, StateServing, 2*time.Second)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := l.Accept(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Cancel()

	select {
	case err := <-done:
		if err != ErrCanceled {
			t.Fatalf("expected ErrCanceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not unblock after cancel")
	}
}

func TestCloseUnblocksPendingAccept(t *testing.T) {
	l, _ := newTestLoop()
	if err := l.Open(76); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitForState(t, l, StateServing, 2*time.Second)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := l.Accept(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		if err != ErrBadFile {
			t.Fatalf("expected ErrBadFile, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not unblock after close")
	}
}
