package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zjrosen/orrery/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the listen address. Port 0 lets the OS pick; use Port()
	// to learn the bound value.
	Addr string
	// Handler configures the endpoints behind the server.
	Handler HandlerConfig
}

// NewServer binds the listener immediately so the port is known before
// Start is called.
func NewServer(cfg ServerConfig) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	handler := NewHandler(cfg.Handler)
	return &Server{
		handler:  handler,
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler: handler.Routes(),
			// No write timeout: routed commands may legitimately run for
			// minutes; the rpc reply deadline bounds them instead.
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves requests until Stop is called or the listener fails. A
// clean shutdown returns nil.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "http server listening", "addr", s.listener.Addr().String())
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "http server stopping")
	return s.server.Shutdown(ctx)
}

// Port reports the bound port, useful when Addr requested port 0.
func (s *Server) Port() int {
	return s.port
}
