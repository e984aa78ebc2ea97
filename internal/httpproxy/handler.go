// Package httpproxy implements the plaintext HTTP/HTTPS forward proxy half
// of the listener: CONNECT tunneling and absolute-URI request forwarding.
package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/postalsys/dualproxy/internal/httpdec"
	"github.com/postalsys/dualproxy/internal/recovery"
	"github.com/postalsys/dualproxy/internal/relay"
)

// Dialer opens outbound connections. *net.Dialer satisfies this directly.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Stats receives lifecycle notifications for metrics/logging.
type Stats interface {
	Accepted()
	Disconnected()
	Failed(description string)
}

// NopStats is a Stats implementation that does nothing.
type NopStats struct{}

func (NopStats) Accepted()               {}
func (NopStats) Disconnected()           {}
func (NopStats) Failed(description string) {}

// Config controls a Handler's behavior.
type Config struct {
	Dialer         Dialer
	Logger         *slog.Logger
	Stats          Stats
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// DefaultConfig returns sensible defaults; callers still must set Dialer.
func DefaultConfig() Config {
	return Config{
		Dialer:         &net.Dialer{},
		Logger:         slog.Default(),
		Stats:          NopStats{},
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    120 * time.Second,
	}
}

// Handler serves one accepted connection that has been sniffed as HTTP.
type Handler struct {
	cfg Config
}

// NewHandler builds a Handler from cfg, filling unset fields with defaults.
func NewHandler(cfg Config) *Handler {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = NopStats{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Handler{cfg: cfg}
}

// Handle services one client connection until it closes. br must already
// have its first bytes available (the detector peeked into it without
// consuming anything), and is reused across the lifetime of the connection.
func (h *Handler) Handle(conn net.Conn, br *bufio.Reader) {
	defer recovery.RecoverWithLog(h.cfg.Logger, "httpproxy.Handle", func() { h.cfg.Stats.Failed("panic in httpproxy.Handle") })
	defer conn.Close()
	h.cfg.Stats.Accepted()
	defer h.cfg.Stats.Disconnected()

	for {
		if h.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		}

		req, err := http.ReadRequest(br)
		if err != nil {
			if err != io.EOF {
				h.cfg.Stats.Failed("malformed request")
				writeStatusLine(conn, http.StatusBadRequest, "Bad Request")
			}
			return
		}

		if req.Method == http.MethodConnect {
			h.handleConnect(conn, br, req)
			return
		}
		if !h.handleForward(conn, req) {
			return
		}
		// Forward completed cleanly and neither side asked to close: issue
		// another read on the client connection so a keep-alive client can
		// reuse it for its next request.
	}
}

// handleConnect dials the requested target and, on success, writes the
// literal "200 Connection established" response with an explicit
// Content-Length: 0 before relaying bytes untouched in both directions. br is
// drained of any bytes the client already pipelined past the CONNECT request
// before the relay takes over reading from conn directly.
func (h *Handler) handleConnect(conn net.Conn, br *bufio.Reader, req *http.Request) {
	host, port, err := httpdec.ParseConnectTarget(req.Host)
	if err != nil {
		h.cfg.Stats.Failed("invalid CONNECT target")
		writeStatusLine(conn, http.StatusBadRequest, "Bad Request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConnectTimeout)
	defer cancel()

	target, err := h.cfg.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		h.cfg.Stats.Failed("connect dial failed")
		writeStatusLine(conn, http.StatusBadGateway, "Bad Gateway")
		return
	}
	defer target.Close()

	if _, err := fmt.Fprintf(conn, "HTTP/1.1 200 Connection established\r\nContent-Length: 0\r\n\r\n"); err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	if n := br.Buffered(); n > 0 {
		residue := make([]byte, n)
		io.ReadFull(br, residue)
		if _, err := target.Write(residue); err != nil {
			return
		}
	}

	relay.Pipe(context.Background(), h.cfg.Logger, conn, target, relay.Limits{})
}

// handleForward buffers the request body fully in memory, dials the
// request's target, rewrites the request to a relative URI, strips
// hop-by-hop headers, forwards it upstream, and copies the response back
// with its hop-by-hop headers stripped. It reports whether the client connection should stay open for a
// subsequent request.
//
// The body is read to completion before the upstream connection is even
// opened: a client that aborts mid-body is caught here, before anything has
// been written upstream, rather than leaving a partial request on the
// target's socket.
func (h *Handler) handleForward(conn net.Conn, req *http.Request) bool {
	host, port, err := httpdec.ExtractTarget(req)
	if err != nil {
		h.cfg.Stats.Failed("no forward target")
		writeStatusLine(conn, http.StatusBadRequest, "Bad Request")
		return false
	}

	var body []byte
	if req.Body != nil {
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			h.cfg.Stats.Failed("forward body read failed")
			writeStatusLine(conn, http.StatusBadRequest, "Bad Request")
			return false
		}
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConnectTimeout)
	defer cancel()

	target, err := h.cfg.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		h.cfg.Stats.Failed("forward dial failed")
		writeStatusLine(conn, http.StatusBadGateway, "Bad Gateway")
		return false
	}
	defer target.Close()

	clientWantsClose := req.Close
	httpdec.StripHopByHop(req.Header)
	req.RequestURI = ""
	req.URL.Scheme = ""
	req.URL.Host = ""
	req.URL.Opaque = ""
	req.Host = net.JoinHostPort(host, fmt.Sprint(port))

	if err := req.Write(target); err != nil {
		h.cfg.Stats.Failed("forward write failed")
		writeStatusLine(conn, http.StatusBadGateway, "Bad Gateway")
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(target), req)
	if err != nil {
		h.cfg.Stats.Failed("forward response read failed")
		writeStatusLine(conn, http.StatusBadGateway, "Bad Gateway")
		return false
	}
	defer resp.Body.Close()

	httpdec.StripHopByHop(resp.Header)
	if err := resp.Write(conn); err != nil {
		return false
	}
	return !clientWantsClose && !resp.Close
}

// writeStatusLine writes a minimal, connection-closing error response.
func writeStatusLine(conn net.Conn, code int, reason string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", code, reason)
}
