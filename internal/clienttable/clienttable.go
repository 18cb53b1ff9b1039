// Package clienttable implements per-pipe client admission and session
// bookkeeping: allocation of pipes 1..5, indexing by (net_addr, hashid)
// and by pipe, and the lifecycle of a ClientSession.
//
// The event loop is the only writer of frame-path state, but accept flips
// a session to PRX from an application thread and the diagnostics
// surfaces read the table concurrently, so access is guarded by a single
// sync.RWMutex. Pipe allocation always picks the lowest free index.
package clienttable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/knot-contrib/nrf24gw/internal/protocol"
	"github.com/knot-contrib/nrf24gw/internal/rendezvous"
)

// MinPipe and MaxPipe bound the unicast pipe range; pipe 0 is BROADCAST and
// is never allocated to a client.
const (
	MinPipe = 1
	MaxPipe = protocol.MaxUnicastPipe
)

// SessionState is the lifecycle stage of a ClientSession.
type SessionState int

const (
	StateOpen SessionState = iota // admitted, awaiting accept
	StatePRX                      // accepted, serving
	StateClosing
)

// ClientSession is one admitted client.
type ClientSession struct {
	Pipe    int
	NetAddr uint16
	HashID  uint32
	State   SessionState

	LastHeartbeatSec int64

	// LocalEndpoint is the server-side half of the connected local-socket
	// pair; RxDispatcher delivers reassembled application messages into it.
	LocalEndpoint *rendezvous.Endpoint

	// AppEndpoint is the application-side half, held here until accept
	// hands it to the caller.
	AppEndpoint *rendezvous.Endpoint

	// Reassembly holds in-progress inbound APP_FIRST/APP_FRAG bytes, or nil
	// when no reassembly is in progress.
	Reassembly []byte
}

type sessionKey struct {
	netAddr uint16
	hashID  uint32
}

// ErrDuplicate is returned by TryAdmit when (net_addr, hashid) already has a
// session.
var ErrDuplicate = errors.New("clienttable: duplicate (net_addr, hashid)")

// ErrNoPipe is returned by TryAdmit when no pipe in 1..5 is free.
var ErrNoPipe = errors.New("clienttable: no free pipe")

// Table indexes admitted sessions by pipe and by (net_addr, hashid).
type Table struct {
	mu     sync.RWMutex
	byPipe map[int]*ClientSession
	byKey  map[sessionKey]int
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byPipe: make(map[int]*ClientSession),
		byKey:  make(map[sessionKey]int),
	}
}

// TryAdmit allocates the lowest free pipe for a new client identified by
// (netAddr, hashID), creating its ClientSession and a connected local
// endpoint pair whose application-facing half is returned. Fails with
// ErrDuplicate if the key is already admitted, or ErrNoPipe if all unicast
// pipes are in use.
func (t *Table) TryAdmit(netAddr uint16, hashID uint32, nowSec int64) (clientEnd *rendezvous.Endpoint, pipe int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := sessionKey{netAddr: netAddr, hashID: hashID}
	if _, exists := t.byKey[key]; exists {
		return nil, 0, ErrDuplicate
	}
	pipe = t.lowestFreePipe()
	if pipe == 0 {
		return nil, 0, ErrNoPipe
	}
	serverEnd, clientEnd := rendezvous.NewPair()
	sess := &ClientSession{
		Pipe:             pipe,
		NetAddr:          netAddr,
		HashID:           hashID,
		State:            StateOpen,
		LastHeartbeatSec: nowSec,
		LocalEndpoint:    serverEnd,
		AppEndpoint:      clientEnd,
	}
	t.byPipe[pipe] = sess
	t.byKey[key] = pipe
	return clientEnd, pipe, nil
}

// lowestFreePipe returns the lowest unallocated pipe in [MinPipe, MaxPipe],
// or 0 if all are in use.
func (t *Table) lowestFreePipe() int {
	for p := MinPipe; p <= MaxPipe; p++ {
		if _, used := t.byPipe[p]; !used {
			return p
		}
	}
	return 0
}

// GetByPipe returns the session on pipe, or nil if none.
func (t *Table) GetByPipe(pipe int) *ClientSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byPipe[pipe]
}

// TouchHeartbeat updates last_heartbeat for the session on pipe if its
// identity matches (netAddr, hashID); returns false on any mismatch
// (including no session on that pipe) without modifying state.
func (t *Table) TouchHeartbeat(pipe int, netAddr uint16, hashID uint32, nowSec int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.byPipe[pipe]
	if sess == nil || sess.NetAddr != netAddr || sess.HashID != hashID {
		return false
	}
	sess.LastHeartbeatSec = nowSec
	return true
}

// Evict closes the local endpoint and frees the pipe.
func (t *Table) Evict(pipe int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked(pipe)
}

func (t *Table) evictLocked(pipe int) {
	sess := t.byPipe[pipe]
	if sess == nil {
		return
	}
	if sess.LocalEndpoint != nil {
		sess.LocalEndpoint.Close()
	}
	delete(t.byKey, sessionKey{netAddr: sess.NetAddr, hashID: sess.HashID})
	delete(t.byPipe, pipe)
}

// EvictAll evicts every session, used on ServerLoop close.
func (t *Table) EvictAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pipe := range t.byPipe {
		t.evictLocked(pipe)
	}
}

// Sessions returns a snapshot slice of all current sessions, for heartbeat
// sweeps and diagnostics. Order is unspecified.
func (t *Table) Sessions() []*ClientSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ClientSession, 0, len(t.byPipe))
	for _, s := range t.byPipe {
		out = append(out, s)
	}
	return out
}

// Accept flips an OPEN session on pipe to PRX, returning an error if no
// such session exists or it is not OPEN.
func (t *Table) Accept(pipe int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.byPipe[pipe]
	if sess == nil {
		return fmt.Errorf("clienttable: no session on pipe %d", pipe)
	}
	if sess.State != StateOpen {
		return fmt.Errorf("clienttable: session on pipe %d is not OPEN", pipe)
	}
	sess.State = StatePRX
	return nil
}

// Count returns the number of admitted sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPipe)
}
