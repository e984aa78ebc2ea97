// Package socks5 implements the SOCKS5 (RFC 1928) state machine: the
// greeting/method-selection handshake, CONNECT (raw TCP relay), UDP
// ASSOCIATE (delegated to internal/udprelay), and BIND (rejected as
// unsupported).
package socks5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/postalsys/dualproxy/internal/recovery"
	"github.com/postalsys/dualproxy/internal/relay"
	"github.com/postalsys/dualproxy/internal/socks5dec"
	"github.com/postalsys/dualproxy/internal/udprelay"
)

// Dialer opens outbound connections. *net.Dialer satisfies this directly.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Stats receives lifecycle notifications for metrics/logging.
type Stats interface {
	Failed(description string)
	SOCKS5ConnectionStarted()
}

// NopStats is a Stats implementation that does nothing.
type NopStats struct{}

func (NopStats) Failed(string)              {}
func (NopStats) SOCKS5ConnectionStarted()   {}

// Config controls a Handler's behavior.
type Config struct {
	Dialer         Dialer
	Authenticators []Authenticator
	Logger         *slog.Logger
	Stats          Stats
	UDPStats       udprelay.Stats
	ConnectTimeout time.Duration
	UDP            udprelay.Config
}

// DefaultConfig returns sensible defaults; callers still must set Dialer.
func DefaultConfig() Config {
	return Config{
		Dialer:         &net.Dialer{},
		Authenticators: []Authenticator{NoAuthAuthenticator{}},
		Logger:         slog.Default(),
		Stats:          NopStats{},
		UDPStats:       udprelay.NopStats{},
		ConnectTimeout: 10 * time.Second,
		UDP: udprelay.Config{
			MaxOutboundChannels: 256,
			IdleTimeout:         5 * time.Minute,
		},
	}
}

// Handler processes one SOCKS5 connection from greeting through to either a
// relayed tunnel, a served UDP association, or a rejection.
type Handler struct {
	cfg Config
}

// NewHandler builds a Handler from cfg, filling unset fields with defaults.
func NewHandler(cfg Config) *Handler {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{NoAuthAuthenticator{}}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = NopStats{}
	}
	if cfg.UDPStats == nil {
		cfg.UDPStats = udprelay.NopStats{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Handler{cfg: cfg}
}

// Handle services one client connection: greeting, request, then dispatch
// on command. It returns once the connection's work is done (relay
// finished, UDP association torn down, or an early rejection).
func (h *Handler) Handle(conn net.Conn) error {
	defer recovery.RecoverWithLog(h.cfg.Logger, "socks5.Handle", func() { h.cfg.Stats.Failed("panic in socks5.Handle") })

	greeting, err := socks5dec.ReadGreeting(conn)
	if err != nil {
		h.cfg.Stats.Failed("malformed SOCKS5 greeting")
		return fmt.Errorf("socks5: read greeting: %w", err)
	}

	method, auth := h.selectMethod(greeting)
	if auth == nil {
		socks5dec.WriteMethodSelection(conn, socks5dec.AuthNoAcceptable)
		h.cfg.Stats.Failed("no acceptable SOCKS5 auth method")
		return errors.New("socks5: no acceptable authentication method")
	}
	if err := socks5dec.WriteMethodSelection(conn, method); err != nil {
		return fmt.Errorf("socks5: write method selection: %w", err)
	}
	if _, err := auth.Authenticate(conn, conn); err != nil {
		h.cfg.Stats.Failed("SOCKS5 authentication failed")
		return fmt.Errorf("socks5: authenticate: %w", err)
	}

	req, err := socks5dec.ReadRequest(conn)
	if err != nil {
		h.cfg.Stats.Failed("malformed SOCKS5 request")
		return fmt.Errorf("socks5: read request: %w", err)
	}

	switch req.Command {
	case socks5dec.CmdConnect:
		return h.handleConnect(conn, req)
	case socks5dec.CmdUDPAssociate:
		return h.handleUDPAssociate(conn, req)
	default:
		socks5dec.WriteReply(conn, socks5dec.ReplyCmdNotSupported, nil, 0)
		h.cfg.Stats.Failed("unsupported SOCKS5 command")
		return fmt.Errorf("socks5: unsupported command %d", req.Command)
	}
}

// selectMethod picks the first configured authenticator the client's
// greeting offers, in the Handler's configured preference order.
func (h *Handler) selectMethod(g *socks5dec.Greeting) (byte, Authenticator) {
	for _, a := range h.cfg.Authenticators {
		if g.Offers(a.GetMethod()) {
			return a.GetMethod(), a
		}
	}
	return socks5dec.AuthNoAcceptable, nil
}

// handleConnect dials the requested target and, on success, replies
// ReplySucceeded and relays bytes bidirectionally until either side closes.
func (h *Handler) handleConnect(conn net.Conn, req *socks5dec.Request) error {
	h.cfg.Stats.SOCKS5ConnectionStarted()

	targetAddr := net.JoinHostPort(req.Dest.Host(), strconv.Itoa(int(req.Dest.Port)))

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConnectTimeout)
	defer cancel()

	target, err := h.cfg.Dialer.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		socks5dec.WriteReply(conn, socks5dec.ReplyHostUnreachable, nil, 0)
		h.cfg.Stats.Failed("SOCKS5 connect dial failed")
		return fmt.Errorf("socks5: dial %s: %w", targetAddr, err)
	}
	defer target.Close()

	if err := socks5dec.WriteReply(conn, socks5dec.ReplySucceeded, net.IPv4zero, 0); err != nil {
		return fmt.Errorf("socks5: write reply: %w", err)
	}

	_, err = relay.Pipe(context.Background(), h.cfg.Logger, conn, target, relay.Limits{})
	return err
}

// handleUDPAssociate binds a UDP relay session on the wildcard address,
// replies with the bound port, and blocks serving
// the session until the control connection closes or the session idles out.
func (h *Handler) handleUDPAssociate(conn net.Conn, req *socks5dec.Request) error {
	cfg := h.cfg.UDP
	if req.Dest.IP != nil && !req.Dest.IP.IsUnspecified() {
		cfg.ExpectedClientAddr = &net.UDPAddr{IP: req.Dest.IP, Port: int(req.Dest.Port)}
	}

	// Bind on the wildcard address per spec.md §4.5, regardless of which
	// local interface the TCP control connection arrived on.
	session, err := udprelay.NewSession(net.IPv4zero, cfg, h.cfg.Logger, h.cfg.UDPStats)
	if err != nil {
		socks5dec.WriteReply(conn, socks5dec.ReplyServerFailure, nil, 0)
		h.cfg.Stats.Failed("UDP ASSOCIATE bind failed")
		return fmt.Errorf("socks5: udp associate: %w", err)
	}

	local := session.LocalAddr()
	if err := socks5dec.WriteReply(conn, socks5dec.ReplySucceeded, net.IPv4zero, uint16(local.Port)); err != nil {
		session.Close()
		return fmt.Errorf("socks5: write reply: %w", err)
	}

	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	session.Serve(controlDone)
	return nil
}
