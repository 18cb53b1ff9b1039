// Package rendezvous implements the local rendezvous surface: a server
// endpoint that signals new-client availability via a count-or-error
// semaphore, and a per-client Endpoint pair that carries reassembled
// application messages as discrete records toward the application. The
// pair is duplex, like the socketpair it stands in for, so either side
// can both send and receive.
package rendezvous

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send/Recv once the endpoint has been closed.
var ErrClosed = errors.New("rendezvous: endpoint closed")

// Endpoint is one half of a connected, message-boundary-preserving pair.
// Each Send on one half becomes exactly one Recv on the other.
type Endpoint struct {
	in     chan []byte
	out    chan []byte
	once   *sync.Once
	closed chan struct{}
}

// NewPair returns two connected Endpoints. serverEnd is retained by
// ClientTable/ServerLoop; clientEnd is handed to the accepting application.
// Both halves share a single closed signal, so closing either end is
// observed by both: evicting a session must unblock the application's
// Recv on its half.
func NewPair() (serverEnd, clientEnd *Endpoint) {
	aToB := make(chan []byte, 16)
	bToA := make(chan []byte, 16)
	closed := make(chan struct{})
	once := &sync.Once{}
	serverEnd = &Endpoint{in: bToA, out: aToB, closed: closed, once: once}
	clientEnd = &Endpoint{in: aToB, out: bToA, closed: closed, once: once}
	return serverEnd, clientEnd
}

// Send delivers msg to the peer as one discrete record. Non-blocking: if
// the peer's inbound queue is full, the oldest unread record is dropped to
// make room, so a slow application never stalls the event loop.
func (e *Endpoint) Send(msg []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	for {
		select {
		case e.out <- cp:
			return nil
		case <-e.closed:
			return ErrClosed
		default:
			select {
			case <-e.out:
			default:
			}
		}
	}
}

// Recv blocks until a record is available, the endpoint is closed, or ctx
// is done.
func (e *Endpoint) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes this endpoint. Idempotent.
func (e *Endpoint) Close() {
	e.once.Do(func() { close(e.closed) })
}
