package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
)

// Server serves a Collector's /metrics endpoint over TCP.
type Server struct {
	ln     net.Listener
	srv    *http.Server
	logger *slog.Logger
}

// Serve binds addr and starts serving c in the background.
func Serve(addr string, c *Collector, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot bind %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", c.Handler())
	s := &Server{ln: ln, srv: &http.Server{Handler: mux}, logger: logger}

	host, _, _ := net.SplitHostPort(addr)
	if host == "0.0.0.0" || host == "" || host == "::" {
		logger.Warn("metrics server bound to all interfaces", "addr", addr)
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("metrics server started", "addr", s.Addr())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
