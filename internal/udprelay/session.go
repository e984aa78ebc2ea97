// Package udprelay implements the SOCKS5 UDP ASSOCIATE relay: one
// client-facing UDP socket multiplexed across a bounded set of per-target
// outbound sockets, torn down when the owning TCP control connection closes
// or the session goes idle.
package udprelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/dualproxy/internal/recovery"
	"github.com/postalsys/dualproxy/internal/socks5dec"
)

// ErrChannelLimitReached is returned when a new target would exceed the
// configured outbound channel cap. The cap is a hard ceiling: the oldest
// channel is never evicted to make room.
var ErrChannelLimitReached = errors.New("udprelay: outbound channel limit reached")

// Stats receives lifecycle notifications for metrics/logging. Any method may
// be left as a no-op by embedding NopStats.
type Stats interface {
	UDPSessionStarted()
	UDPSessionEnded()
	UDPPacketRelayed(bytes int)
}

// NopStats is a Stats implementation that does nothing.
type NopStats struct{}

func (NopStats) UDPSessionStarted()          {}
func (NopStats) UDPSessionEnded()             {}
func (NopStats) UDPPacketRelayed(bytes int)   {}

// Config controls a Session's resource limits.
type Config struct {
	// MaxOutboundChannels caps concurrently open per-target sockets. Zero
	// means unlimited.
	MaxOutboundChannels int

	// IdleTimeout tears the session down if no datagram crosses it (in
	// either direction) for this long. Zero disables the idle timer.
	IdleTimeout time.Duration

	// ExpectedClientAddr, when non-nil and not unspecified, restricts the
	// session to datagrams originating from this address.
	ExpectedClientAddr *net.UDPAddr
}

// outboundChannel is the per-destination socket used to relay datagrams to
// one target and back.
type outboundChannel struct {
	conn *net.UDPConn
	dest socks5dec.Address
}

// Session is one SOCKS5 UDP association: a client-facing socket plus a
// bounded set of outbound channels keyed by destination.
type Session struct {
	cfg    Config
	logger *slog.Logger
	stats  Stats

	clientConn *net.UDPConn

	mu         sync.Mutex
	clientAddr *net.UDPAddr
	channels   map[string]*outboundChannel
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc

	idleMu   sync.Mutex
	lastSeen time.Time
}

// NewSession opens the client-facing relay socket, bound to bindIP with an
// ephemeral port.
func NewSession(bindIP net.IP, cfg Config, logger *slog.Logger, stats Stats) (*Session, error) {
	if stats == nil {
		stats = NopStats{}
	}
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("udprelay: open client socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		logger:     logger,
		stats:      stats,
		clientConn: clientConn,
		channels:   make(map[string]*outboundChannel),
		ctx:        ctx,
		cancel:     cancel,
		lastSeen:   time.Now(),
	}
	stats.UDPSessionStarted()
	return s, nil
}

// LocalAddr returns the address the SOCKS5 reply should carry as BND.ADDR.
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.clientConn.LocalAddr().(*net.UDPAddr)
}

// Serve runs the client-facing read loop until the context controlling the
// owning TCP connection is done, the idle timeout elapses, or the socket
// fails. It blocks; call it in its own goroutine.
func (s *Session) Serve(controlDone <-chan struct{}) {
	defer recovery.RecoverWithLog(s.logger, "udprelay.Serve")
	defer s.Close()

	go s.watchIdle()

	go func() {
		select {
		case <-controlDone:
			s.Close()
		case <-s.ctx.Done():
		}
	}()

	buf := make([]byte, 65535)
	for {
		n, clientAddr, err := s.clientConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.touch()

		if !s.admitClient(clientAddr) {
			continue
		}

		header, payload, err := socks5dec.ParseUDPHeader(buf[:n])
		if err != nil {
			if errors.Is(err, socks5dec.ErrFragmented) {
				s.logger.Debug("dropping fragmented UDP datagram", "error", err)
			} else {
				s.logger.Debug("dropping malformed UDP datagram", "error", err)
			}
			continue
		}

		ch, err := s.channelFor(header.Dest)
		if err != nil {
			s.logger.Debug("dropping UDP datagram: no outbound channel", "error", err)
			continue
		}

		target := &net.UDPAddr{IP: header.Dest.IP, Port: int(header.Dest.Port)}
		if header.Dest.Type == socks5dec.AddrDomain {
			resolved, err := net.ResolveUDPAddr("udp", header.Dest.String())
			if err != nil {
				continue
			}
			target = resolved
		}

		if _, err := ch.conn.WriteToUDP(payload, target); err == nil {
			s.stats.UDPPacketRelayed(len(payload))
		}
	}
}

// admitClient locks in the first datagram's source address and rejects
// datagrams from any other source once locked in, applying the optional
// expected-address pre-check from the ASSOCIATE request.
func (s *Session) admitClient(addr *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp := s.cfg.ExpectedClientAddr; exp != nil && exp.IP != nil && !exp.IP.IsUnspecified() {
		if !addr.IP.Equal(exp.IP) {
			return false
		}
	}

	if s.clientAddr == nil {
		s.clientAddr = addr
		return true
	}
	return s.clientAddr.IP.Equal(addr.IP) && s.clientAddr.Port == addr.Port
}

// channelFor returns the outbound socket for dest, opening one (and its
// read-back goroutine) on first use, subject to the configured cap.
func (s *Session) channelFor(dest socks5dec.Address) (*outboundChannel, error) {
	key := dest.String()

	s.mu.Lock()
	if ch, ok := s.channels[key]; ok {
		s.mu.Unlock()
		return ch, nil
	}
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("udprelay: session closed")
	}
	if s.cfg.MaxOutboundChannels > 0 && len(s.channels) >= s.cfg.MaxOutboundChannels {
		s.mu.Unlock()
		return nil, ErrChannelLimitReached
	}
	s.mu.Unlock()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("udprelay: open outbound socket: %w", err)
	}
	ch := &outboundChannel{conn: conn, dest: dest}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, errors.New("udprelay: session closed")
	}
	if existing, ok := s.channels[key]; ok {
		s.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	s.channels[key] = ch
	s.mu.Unlock()

	go s.readBack(ch)
	return ch, nil
}

// readBack relays datagrams arriving from one target back to the client,
// wrapped in a fresh SOCKS5 UDP header carrying that target's address.
func (s *Session) readBack(ch *outboundChannel) {
	defer recovery.RecoverWithLog(s.logger, "udprelay.readBack")
	buf := make([]byte, 65535)
	for {
		n, _, err := ch.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.touch()

		s.mu.Lock()
		clientAddr := s.clientAddr
		s.mu.Unlock()
		if clientAddr == nil {
			continue
		}

		header := socks5dec.BuildUDPHeader(ch.dest)
		packet := make([]byte, len(header)+n)
		copy(packet, header)
		copy(packet[len(header):], buf[:n])

		if _, err := s.clientConn.WriteToUDP(packet, clientAddr); err == nil {
			s.stats.UDPPacketRelayed(n)
		}
	}
}

func (s *Session) touch() {
	s.idleMu.Lock()
	s.lastSeen = time.Now()
	s.idleMu.Unlock()
}

// watchIdle tears the session down once IdleTimeout elapses with no
// datagram seen in either direction.
func (s *Session) watchIdle() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.idleMu.Lock()
			idleFor := time.Since(s.lastSeen)
			s.idleMu.Unlock()
			if idleFor >= s.cfg.IdleTimeout {
				s.Close()
				return
			}
		}
	}
}

// Close tears the session down: cancels the context, closes the
// client-facing socket, and closes every outbound channel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := s.channels
	s.channels = nil
	s.mu.Unlock()

	s.cancel()
	s.clientConn.Close()
	for _, ch := range channels {
		ch.conn.Close()
	}
	s.stats.UDPSessionEnded()
	return nil
}

// ChannelCount reports the number of currently open outbound channels, for
// tests and diagnostics.
func (s *Session) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}
