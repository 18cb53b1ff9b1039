package rendezvous

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEndpointPairSendRecv(t *testing.T) {
	server, client := NewPair()
	defer server.Close()
	defer client.Close()

	if err := server.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := client.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestEndpointCloseUnblocksRecv(t *testing.T) {
	server, client := NewPair()
	server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Recv(ctx)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSemaphoreCreditAndWait(t *testing.T) {
	sem := NewSemaphore()
	sem.PostCredit(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sig, err := sem.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sig.Credits != 1 || sig.Err != nil {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestSemaphoreError(t *testing.T) {
	sem := NewSemaphore()
	want := errors.New("EUSERS")
	sem.PostError(want)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sig, err := sem.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !errors.Is(sig.Err, want) {
		t.Fatalf("expected %v, got %v", want, sig.Err)
	}
}

func TestSemaphoreAvailable(t *testing.T) {
	sem := NewSemaphore()
	if sem.Available(10 * time.Millisecond) {
		t.Fatal("expected not available with no pending signal")
	}
	sem.PostCredit(1)
	if !sem.Available(10 * time.Millisecond) {
		t.Fatal("expected available after PostCredit")
	}
}
