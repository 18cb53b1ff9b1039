package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Counters accumulates lifetime admission/eviction/drop totals from the
// RxDispatcher/TxScheduler hooks wired in main.go. Safe for concurrent
// reads from the API and metrics goroutines against the single loop
// goroutine that increments them.
type Counters struct {
	admitted       atomic.Uint64
	evicted        atomic.Uint64
	refused        atomic.Uint64
	retryExhausted atomic.Uint64
}

func (c *Counters) recordAdmit()          { c.admitted.Add(1) }
func (c *Counters) recordEvict()          { c.evicted.Add(1) }
func (c *Counters) recordRefuse()         { c.refused.Add(1) }
func (c *Counters) recordRetryExhausted() { c.retryExhausted.Add(1) }

// StatsSnapshot is one polled sample of the gateway's running counters,
// read fresh from the loop's collaborators on every metrics tick.
type StatsSnapshot struct {
	Clients        int
	Channel        int
	AdmittedTotal  uint64
	EvictedTotal   uint64
	RefusedTotal   uint64
	RetryExhausted uint64
}

// Snapshot reads the current counter values alongside the loop's live
// client count and channel.
func (c *Counters) Snapshot(clients, channel int) StatsSnapshot {
	return StatsSnapshot{
		Clients:        clients,
		Channel:        channel,
		AdmittedTotal:  c.admitted.Load(),
		EvictedTotal:   c.evicted.Load(),
		RefusedTotal:   c.refused.Load(),
		RetryExhausted: c.retryExhausted.Load(),
	}
}

// StatsFunc is polled once per metrics tick to build the next snapshot.
type StatsFunc func() StatsSnapshot

// RunMetrics logs gateway stats every interval until ctx is canceled,
// skipping intervals in which no client is connected and none has ever
// been admitted.
func RunMetrics(ctx context.Context, stats StatsFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := stats()
			if s.Clients == 0 && s.AdmittedTotal == 0 {
				continue
			}
			log.Printf("[metrics] channel=%d clients=%d admitted=%s evicted=%s refused=%s retry_exhausted=%s",
				s.Channel, s.Clients,
				humanize.Comma(int64(s.AdmittedTotal)),
				humanize.Comma(int64(s.EvictedTotal)),
				humanize.Comma(int64(s.RefusedTotal)),
				humanize.Comma(int64(s.RetryExhausted)))
		}
	}
}
