package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/knot-contrib/nrf24gw/internal/diagws"
)

// Server hosts the HTTPS diagnostics websocket: operators connect to /diag
// to watch admission, refusal, and eviction events live.
type Server struct {
	addr        string
	tlsConfig   *tls.Config
	hub         *diagws.Hub
	idleTimeout time.Duration
}

func NewServer(addr string, tlsConfig *tls.Config, hub *diagws.Hub, idleTimeout time.Duration) *Server {
	return &Server{addr: addr, tlsConfig: tlsConfig, hub: hub, idleTimeout: idleTimeout}
}

// Run starts the HTTPS + diagnostics websocket server and blocks until the
// context is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/diag", s.hub.ServeHTTP)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("nrf24gw gateway"))
	})

	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[server] shutdown: %v", err)
		}
	}()

	log.Printf("[server] diagnostics websocket listening on %s", s.addr)

	err := httpSrv.ListenAndServeTLS("", "")
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
