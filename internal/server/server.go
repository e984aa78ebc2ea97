// Package server ties the dual-protocol listener together: it accepts TCP
// connections, admits each one through a concurrency gate, sniffs the first
// byte to tell SOCKS5 from HTTP, and dispatches to the matching protocol
// handler.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/postalsys/dualproxy/internal/detect"
	"github.com/postalsys/dualproxy/internal/gate"
	"github.com/postalsys/dualproxy/internal/httpproxy"
	"github.com/postalsys/dualproxy/internal/recovery"
	"github.com/postalsys/dualproxy/internal/socks5"
)

// Stats receives lifecycle notifications for metrics/logging, combining
// every collaborator's statistics interface the server itself needs.
type Stats interface {
	Accepted()
	Disconnected()
	Rejected()
	Failed(description string)
	SOCKS5ConnectionStarted()
}

// NopStats is a Stats implementation that does nothing.
type NopStats struct{}

func (NopStats) Accepted()               {}
func (NopStats) Disconnected()           {}
func (NopStats) Rejected()               {}
func (NopStats) Failed(string)           {}
func (NopStats) SOCKS5ConnectionStarted() {}

// Config controls a Server's behavior.
type Config struct {
	Address                  string
	MaxConcurrentConnections int
	Logger                   *slog.Logger
	Stats                    Stats
	HTTP                     httpproxy.Config
	SOCKS5                   socks5.Config
}

// Server accepts connections on a single TCP listener and dispatches each
// one to the HTTP or SOCKS5 handler based on its first byte.
type Server struct {
	cfg      Config
	gate     *gate.Gate
	http     *httpproxy.Handler
	socks5   *socks5.Handler
	tracker  *connTracker[net.Conn]
	listener net.Listener

	mu       sync.Mutex
	stopping bool
}

// New builds a Server from cfg, filling unset fields with defaults.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = NopStats{}
	}
	cfg.HTTP.Logger = cfg.Logger
	cfg.SOCKS5.Logger = cfg.Logger

	return &Server{
		cfg:     cfg,
		gate:    gate.New(cfg.MaxConcurrentConnections),
		http:    httpproxy.NewHandler(cfg.HTTP),
		socks5:  socks5.NewHandler(cfg.SOCKS5),
		tracker: newConnTracker[net.Conn](),
	}
}

// ListenAndServe listens on cfg.Address and serves connections until ctx is
// canceled or Stop is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is canceled or Stop is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener and every tracked connection, unblocking Serve.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopping = true
	ln := s.listener
	s.mu.Unlock()

	s.tracker.closeAll()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// handleConn admits, sniffs, and dispatches one accepted connection. The
// concurrency gate is consulted first, before any bytes are read, matching
// the teacher's acceptLoop admission check and guarding against a flood of
// connections that never send data to dodge the cap. The protocol is not
// yet known at that point, so a rejected connection gets the fixed 503
// response: most proxy clients (HTTP or SOCKS5) treat an immediate
// unreadable reply the same as a reset, and an HTTP-mode client gets a
// response it can actually parse and log.
func (s *Server) handleConn(conn net.Conn) {
	defer recovery.RecoverWithLog(s.cfg.Logger, "server.handleConn", func() { s.cfg.Stats.Failed("panic in server.handleConn") })
	defer conn.Close()

	if !s.gate.Admit() {
		s.cfg.Stats.Rejected()
		reject503(conn)
		return
	}
	defer s.gate.Release()

	s.tracker.add(conn)
	defer s.tracker.remove(conn)

	br := bufio.NewReader(conn)
	proto, err := detect.Sniff(br)
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.cfg.Stats.Failed("connection closed before protocol could be detected")
		}
		return
	}

	switch proto {
	case detect.ProtocolSOCKS5:
		s.cfg.Stats.Accepted()
		defer s.cfg.Stats.Disconnected()
		if err := s.socks5.Handle(&bufferedConn{Conn: conn, r: br}); err != nil {
			s.cfg.Logger.Debug("socks5 connection ended", "error", err)
		}
	default:
		s.http.Handle(conn, br)
	}
}

// bufferedConn reads through the detector's bufio.Reader so the handler sees
// the bytes already buffered by Sniff before any further socket reads.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// CloseWrite forwards half-close to the underlying connection when supported.
func (c *bufferedConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

// reject503 writes the fixed concurrency-overflow response before closing,
// so that an HTTP-mode client past the concurrency cap gets a diagnosable
// error instead of a silent reset.
func reject503(conn net.Conn) {
	const body = "Too many concurrent connections\n"
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s",
		http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable), len(body), body)
}
