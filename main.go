package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/knot-contrib/nrf24gw/internal/clock"
	"github.com/knot-contrib/nrf24gw/internal/diagws"
	"github.com/knot-contrib/nrf24gw/internal/identitystore"
	"github.com/knot-contrib/nrf24gw/internal/protocol"
	"github.com/knot-contrib/nrf24gw/internal/radio"
	"github.com/knot-contrib/nrf24gw/internal/rendezvous"
	"github.com/knot-contrib/nrf24gw/internal/rng"
	"github.com/knot-contrib/nrf24gw/internal/serverloop"
	"github.com/knot-contrib/nrf24gw/internal/telemetry"
)

// defaultIdentityDB is the CLI's default identity store path, used before
// flag parsing happens (the CLI dispatch below runs ahead of flag.Parse so
// "nrf24gw status" works without -identity-db).
const defaultIdentityDB = "nrf24gw.db"

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], defaultIdentityDB, identityRegionSize) {
			return
		}
	}

	diagAddr := flag.String("diag-addr", ":8443", "HTTPS diagnostics websocket listen address")
	apiAddr := flag.String("api-addr", ":8080", "REST diagnostics API listen address (empty to disable)")
	identityDB := flag.String("identity-db", defaultIdentityDB, "identity store path")
	regionSize := flag.Int("identity-region-size", identityRegionSize, "identity store region size in bytes")
	idleTimeout := flag.Duration("idle-timeout", 30*time.Second, "HTTP idle timeout")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	gatewayName := flag.String("name", "knot_nrf24l01", "gateway name reported over telemetry")
	telemetryURL := flag.String("telemetry-url", "", "WebTransport URL of a fleet-telemetry aggregator (empty to disable)")
	telemetryInterval := flag.Duration("telemetry-interval", 10*time.Second, "telemetry uplink push interval")
	testBotName := flag.String("test-bot", "", "name for a simulated client that joins and exchanges heartbeats/app data (empty to disable)")
	flag.Parse()

	identity, err := identitystore.Open(*identityDB, *regionSize)
	if err != nil {
		log.Fatalf("[identitystore] %v", err)
	}
	defer identity.Close()

	tlsHostname := ""
	if host, _, err := net.SplitHostPort(*diagAddr); err == nil && host != "" {
		tlsHostname = host
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, tlsHostname)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}
	log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)

	// No physical nRF24L01 driver ships in this repository; the gateway
	// drives an in-memory radio.Mock, with an optional simulated client
	// peered to it via -test-bot so there is always something to admit
	// and serve. A real deployment implements radio.Port and passes it
	// to serverloop.New in place of the mock.
	port := radio.NewMock(chMin, chMax)
	codec := protocol.NewCodec(maxPW)

	hub := diagws.NewHub()
	counters := &Counters{}

	cfg := serverloop.Config{
		PollInterval:        pollInterval,
		ChMin:               chMin,
		ChMax:               chMax,
		MajVersion:          majVersion,
		MinVersion:          minVersion,
		JoinRetryMin:        joinRetryMin,
		MaxPW:               maxPW,
		SendDelayMS:         sendDelayMS,
		SendInterval:        sendInterval,
		SendRetry:           sendRetry,
		HeartbeatTimeoutSec: heartbeatTimeoutSec,
		ControlRateLimit:    controlRateLimit,
		ControlRateBurst:    controlRateBurst,
		PipeAddrs:           [6]uint64{0xE0E0E0E0E1, 0xE0E0E0E0E2, 0xE0E0E0E0E3, 0xE0E0E0E0E4, 0xE0E0E0E0E5, 0xE0E0E0E0E6},
		OnAdmit: func(pipe int, netAddr uint16) {
			counters.recordAdmit()
			hub.Publish(diagws.Event{Type: diagws.EventAdmitted, Pipe: pipe, NetAddr: netAddr})
		},
		OnRefuse: func(netAddr uint16, reason string) {
			counters.recordRefuse()
			hub.Publish(diagws.Event{Type: diagws.EventJoinResult, NetAddr: netAddr, Reason: reason})
		},
		OnEvict: func(pipe int, reason string) {
			counters.recordEvict()
			hub.Publish(diagws.Event{Type: diagws.EventEvicted, Pipe: pipe, Reason: reason})
		},
		OnDrop: func(pipe int) {
			counters.recordRetryExhausted()
		},
		OnChannelAcquired: func(channel int) {
			hub.Publish(diagws.Event{Type: diagws.EventChannelAcquired, Channel: channel})
		},
		OnChannelBusy: func() {
			hub.Publish(diagws.Event{Type: diagws.EventChannelBusy})
		},
	}

	loop := serverloop.New(cfg, port, codec, clock.NewReal(), rng.New(time.Now().UnixNano()))
	if err := loop.Open(chMin); err != nil {
		log.Fatalf("[serverloop] open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
	}()

	go acceptLoop(ctx, loop)
	go RunMetrics(ctx, func() StatsSnapshot { return counters.Snapshot(len(loop.Sessions()), loop.Channel()) }, 5*time.Second)

	if *testBotName != "" {
		botPort := radio.NewMock(chMin, chMax)
		botPort.Peer = port
		port.Peer = botPort
		go RunTestBot(ctx, botPort, codec, *testBotName, majVersion, minVersion, heartbeatTimeoutSec/3*time.Second)
	}

	if *telemetryURL != "" {
		uplink := telemetry.NewUplink(*telemetryURL, *telemetryInterval, func() telemetry.Stats {
			s := counters.Snapshot(len(loop.Sessions()), loop.Channel())
			return telemetry.Stats{
				GatewayName:    *gatewayName,
				Channel:        s.Channel,
				AdmittedTotal:  s.AdmittedTotal,
				EvictedTotal:   s.EvictedTotal,
				RefusedTotal:   s.RefusedTotal,
				RetryExhausted: s.RetryExhausted,
			}
		})
		go uplink.Run(ctx)
		log.Printf("[telemetry] pushing stats to %s every %s", *telemetryURL, *telemetryInterval)
	}

	if *apiAddr != "" {
		api := NewAPIServer(loop, identity, counters)
		go api.Run(ctx, *apiAddr)
		log.Printf("[api] listening on %s", *apiAddr)
	}

	srv := NewServer(*diagAddr, tlsConfig, hub, *idleTimeout)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[server] %v", err)
	}

	loop.Close()
}

// acceptLoop drains newly admitted clients and logs their application
// messages. This is the one "application" consumer this repository ships;
// a real deployment would hand the endpoint to whatever upstream system
// the gateway is fronting.
func acceptLoop(ctx context.Context, loop *serverloop.Loop) {
	for {
		ep, err := loop.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[main] accept: %v", err)
			continue
		}
		go drainEndpoint(ctx, ep)
	}
}

func drainEndpoint(ctx context.Context, ep *rendezvous.Endpoint) {
	for {
		msg, err := ep.Recv(ctx)
		if err != nil {
			return
		}
		log.Printf("[main] app data: %q", msg)
	}
}
