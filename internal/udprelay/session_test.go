package udprelay

import (
	"bytes"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/dualproxy/internal/socks5dec"
)

func TestSession_RelaysDatagramRoundTrip(t *testing.T) {
	echoConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echoConn.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := echoConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echoConn.WriteToUDP(buf[:n], addr)
		}
	}()

	sess, err := NewSession(net.IPv4(127, 0, 0, 1), Config{}, slog.Default(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	controlDone := make(chan struct{})
	go sess.Serve(controlDone)
	defer sess.Close()

	clientSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer clientSock.Close()

	echoAddr := echoConn.LocalAddr().(*net.UDPAddr)
	dest := socks5dec.Address{Type: socks5dec.AddrIPv4, IP: echoAddr.IP.To4(), Port: uint16(echoAddr.Port)}
	header := socks5dec.BuildUDPHeader(dest)
	datagram := append(header, []byte("ping")...)

	if _, err := clientSock.WriteToUDP(datagram, sess.LocalAddr()); err != nil {
		t.Fatalf("write to relay: %v", err)
	}

	buf := make([]byte, 2048)
	clientSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := clientSock.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}

	parsed, payload, err := socks5dec.ParseUDPHeader(buf[:n])
	if err != nil {
		t.Fatalf("ParseUDPHeader: %v", err)
	}
	if string(payload) != "ping" {
		t.Errorf("payload = %q, want ping", payload)
	}
	if parsed.Dest.Port != uint16(echoAddr.Port) {
		t.Errorf("reply dest port = %d, want %d", parsed.Dest.Port, echoAddr.Port)
	}
}

func TestSession_ChannelLimitReached(t *testing.T) {
	sess, err := NewSession(net.IPv4(127, 0, 0, 1), Config{MaxOutboundChannels: 1}, slog.Default(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	dest1 := socks5dec.Address{Type: socks5dec.AddrIPv4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 9001}
	dest2 := socks5dec.Address{Type: socks5dec.AddrIPv4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 9002}

	if _, err := sess.channelFor(dest1); err != nil {
		t.Fatalf("first channel: %v", err)
	}
	if _, err := sess.channelFor(dest2); err != ErrChannelLimitReached {
		t.Fatalf("expected ErrChannelLimitReached, got %v", err)
	}
	if sess.ChannelCount() != 1 {
		t.Errorf("ChannelCount() = %d, want 1", sess.ChannelCount())
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	sess, err := NewSession(net.IPv4(127, 0, 0, 1), Config{}, slog.Default(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSession_DropsMalformedAndFragmentedDatagrams(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sess, err := NewSession(net.IPv4(127, 0, 0, 1), Config{}, logger, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	controlDone := make(chan struct{})
	go sess.Serve(controlDone)
	defer sess.Close()

	clientSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer clientSock.Close()

	// Malformed: shorter than the fixed RSV+FRAG+ATYP header.
	if _, err := clientSock.WriteToUDP([]byte{0x00}, sess.LocalAddr()); err != nil {
		t.Fatalf("write malformed: %v", err)
	}

	// Fragmented: FRAG byte nonzero.
	dest := socks5dec.Address{Type: socks5dec.AddrIPv4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 9001}
	header := socks5dec.BuildUDPHeader(dest)
	header[2] = 0x01
	if _, err := clientSock.WriteToUDP(append(header, []byte("frag")...), sess.LocalAddr()); err != nil {
		t.Fatalf("write fragmented: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out := logBuf.String()
		if strings.Contains(out, "malformed") && strings.Contains(out, "fragmented") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected both malformed and fragmented drops to be logged, got: %s", logBuf.String())
}

func TestSession_IdleTimeoutClosesSession(t *testing.T) {
	sess, err := NewSession(net.IPv4(127, 0, 0, 1), Config{IdleTimeout: 40 * time.Millisecond}, slog.Default(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	controlDone := make(chan struct{})
	defer close(controlDone)
	go sess.Serve(controlDone)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		closed := sess.closed
		sess.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session did not close after idle timeout")
}
