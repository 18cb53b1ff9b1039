// Package telemetry implements the optional fleet-telemetry uplink: a
// periodic stats datagram (admitted/evicted/refused/retry-exhaustion counts)
// pushed to a configured aggregator over a WebTransport session. Off by
// default; a gateway with no aggregator URL configured never touches this
// package.
//
// Grounded on client.go's webtransport-go session transport and its
// sendHealth consecutive-failure circuit breaker (repurposed here from
// per-client voice datagram fan-out to a single uplink session, since
// there is exactly one aggregator connection per gateway instead of one
// per chat client).
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// Circuit breaker constants, same values and role as client.go's
// datagram fan-out breaker: after circuitBreakerThreshold consecutive
// failures, back off and probe occasionally instead of hammering a dead
// aggregator.
const (
	circuitBreakerThreshold     uint32 = 10
	circuitBreakerProbeInterval uint32 = 5
)

type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() {
	h.failures.Add(1)
}

func (h *sendHealth) recordSuccess() {
	h.failures.Store(0)
	h.skips.Store(0)
}

// Stats is one telemetry datagram's payload.
type Stats struct {
	GatewayName     string `json:"gateway_name"`
	Channel         int    `json:"channel"`
	AdmittedTotal   uint64 `json:"admitted_total"`
	EvictedTotal    uint64 `json:"evicted_total"`
	RefusedTotal    uint64 `json:"refused_total"`
	RetryExhausted  uint64 `json:"retry_exhausted"`
	TimestampMillis int64  `json:"timestamp_ms"`
}

// StatsSource is polled once per uplink tick to build the next Stats
// sample. Callers (main.go) implement this over their live counters.
type StatsSource func() Stats

// Uplink maintains a WebTransport session to an aggregator URL and pushes
// a Stats datagram on a fixed interval.
type Uplink struct {
	url      string
	interval time.Duration
	source   StatsSource
	health   sendHealth

	dialer *webtransport.Dialer
}

// NewUplink constructs an Uplink. Dial happens lazily on the first Run
// tick so a misconfigured/unreachable aggregator never blocks gateway
// startup.
func NewUplink(url string, interval time.Duration, source StatsSource) *Uplink {
	return &Uplink{
		url:      url,
		interval: interval,
		source:   source,
		dialer: &webtransport.Dialer{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed aggregator cert
			QUICConfig:      &quic.Config{EnableDatagrams: true},
		},
	}
}

// Run dials the aggregator and pushes Stats datagrams until ctx is
// cancelled. It reconnects on session loss, backing off via the
// sendHealth circuit breaker rather than reconnecting in a tight loop.
func (u *Uplink) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	var sess *webtransport.Session
	defer func() {
		if sess != nil {
			sess.CloseWithError(0, "shutting down")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.health.shouldSkip() {
				continue
			}
			if sess == nil {
				var err error
				_, sess, err = u.dialer.Dial(ctx, u.url, http.Header{})
				if err != nil {
					slog.Warn("telemetry: dial failed", "url", u.url, "err", err)
					u.health.recordFailure()
					continue
				}
			}
			stats := u.source()
			payload, err := json.Marshal(stats)
			if err != nil {
				slog.Error("telemetry: marshal stats", "err", err)
				continue
			}
			if err := sess.SendDatagram(payload); err != nil {
				slog.Warn("telemetry: send failed", "err", err)
				u.health.recordFailure()
				sess = nil
				continue
			}
			u.health.recordSuccess()
		}
	}
}
