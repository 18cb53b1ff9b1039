package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/knot-contrib/nrf24gw/internal/clienttable"
	"github.com/knot-contrib/nrf24gw/internal/identitystore"
	"github.com/knot-contrib/nrf24gw/internal/serverloop"
)

// Version is the current gateway version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

// APIServer provides a read-only REST diagnostics surface over the running
// gateway: its link state, admitted clients, persisted identity, and
// lifetime counters. It runs on its own TCP port, separate from the
// diagnostics websocket in server.go.
type APIServer struct {
	loop     *serverloop.Loop
	identity *identitystore.Store
	counters *Counters
	echo     *echo.Echo
}

// NewAPIServer constructs an APIServer and registers all routes.
func NewAPIServer(loop *serverloop.Loop, identity *identitystore.Store, counters *Counters) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &APIServer{loop: loop, identity: identity, counters: counters, echo: e}
	s.registerRoutes()
	return s
}

func (s *APIServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/version", s.handleVersion)
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/clients", s.handleClients)
	s.echo.GET("/api/identity", s.handleIdentity)
	s.echo.GET("/api/stats", s.handleStats)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is cancelled.
func (s *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Clients: len(s.loop.Sessions()),
	})
}

// VersionResponse is the payload for GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *APIServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}

// StatusResponse is the payload for GET /api/status.
type StatusResponse struct {
	State   string `json:"state"`
	Channel int    `json:"channel"`
	Clients int    `json:"clients"`
}

func (s *APIServer) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		State:   s.loop.State().String(),
		Channel: s.loop.Channel(),
		Clients: len(s.loop.Sessions()),
	})
}

// ClientInfo is one admitted client's diagnostics view.
type ClientInfo struct {
	Pipe             int    `json:"pipe"`
	NetAddr          string `json:"net_addr"`
	HashID           uint32 `json:"hash_id"`
	State            string `json:"state"`
	LastHeartbeatSec int64  `json:"last_heartbeat_sec"`
}

func sessionStateName(st clienttable.SessionState) string {
	switch st {
	case clienttable.StateOpen:
		return "open"
	case clienttable.StatePRX:
		return "prx"
	case clienttable.StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

func (s *APIServer) handleClients(c echo.Context) error {
	sessions := s.loop.Sessions()
	out := make([]ClientInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, ClientInfo{
			Pipe:             sess.Pipe,
			NetAddr:          formatNetAddr(sess.NetAddr),
			HashID:           sess.HashID,
			State:            sessionStateName(sess.State),
			LastHeartbeatSec: sess.LastHeartbeatSec,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func formatNetAddr(addr uint16) string {
	const hexDigits = "0123456789abcdef"
	b := []byte{'0', 'x', hexDigits[addr>>12&0xf], hexDigits[addr>>8&0xf], hexDigits[addr>>4&0xf], hexDigits[addr&0xf]}
	return string(b)
}

// IdentityResponse is the payload for GET /api/identity: the gateway's
// persisted EEPROM-slot identity, excluding the private key.
type IdentityResponse struct {
	UUID string `json:"uuid"`
	MAC  string `json:"mac"`
}

func (s *APIServer) handleIdentity(c echo.Context) error {
	uuidBytes, err := s.identity.ReadSlot(identitystore.SlotUUID, identitystore.SizeUUID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	macBytes, err := s.identity.ReadSlot(identitystore.SlotMAC, identitystore.SizeMAC)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, IdentityResponse{
		UUID: string(uuidBytes),
		MAC:  formatMAC(macBytes),
	})
}

func formatMAC(mac []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(mac)*3)
	for i, b := range mac {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexDigits[b>>4], hexDigits[b&0xf])
	}
	return string(out)
}

func (s *APIServer) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.counters.Snapshot(len(s.loop.Sessions()), s.loop.Channel()))
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
//
// This replaces Echo's default handler which varies between text and JSON.
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
