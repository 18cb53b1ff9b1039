package rendezvous

import (
	"context"
	"time"
)

// Signal is one entry posted to a Semaphore: either a credit count of
// newly admitted clients or an error.
type Signal struct {
	Credits int64
	Err     error
}

// Semaphore is the server endpoint's cross-thread notification channel,
// in the shape of an eventfd counter. The server loop posts to it;
// application threads calling Accept consume from it, and Available peeks
// at it without consuming.
type Semaphore struct {
	ch chan Signal
}

// NewSemaphore returns an empty Semaphore.
func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan Signal, 256)}
}

// PostCredit signals that n clients became available to accept.
func (s *Semaphore) PostCredit(n int64) {
	select {
	case s.ch <- Signal{Credits: n}:
	default:
		// Queue saturated (256 pending signals): coalesce by draining one
		// and retrying, never blocking the event loop.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- Signal{Credits: n}:
		default:
		}
	}
}

// PostError signals a one-shot error (EUSERS on channel-busy, EBADF on
// close) to the next Wait call.
func (s *Semaphore) PostError(err error) {
	select {
	case s.ch <- Signal{Err: err}:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- Signal{Err: err}:
		default:
		}
	}
}

// Wait blocks until a signal is posted or ctx is done.
func (s *Semaphore) Wait(ctx context.Context) (Signal, error) {
	select {
	case sig := <-s.ch:
		return sig, nil
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
}

// Available reports whether a signal is pending within timeout, without
// consuming it.
func (s *Semaphore) Available(timeout time.Duration) bool {
	select {
	case sig := <-s.ch:
		// Peek-then-restore: put it back so Wait/Available remain consistent.
		s.ch <- sig
		return true
	case <-time.After(timeout):
		return false
	}
}
