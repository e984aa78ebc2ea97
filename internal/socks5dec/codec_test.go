package socks5dec

import (
	"bytes"
	"net"
	"testing"
)

func TestReadGreeting(t *testing.T) {
	buf := bytes.NewReader([]byte{Version, 2, AuthNoAuth, 0x02})
	g, err := ReadGreeting(buf)
	if err != nil {
		t.Fatalf("ReadGreeting: %v", err)
	}
	if !g.Offers(AuthNoAuth) {
		t.Error("expected greeting to offer no-auth")
	}
	if g.Offers(0x7f) {
		t.Error("did not expect greeting to offer method 0x7f")
	}
}

func TestReadGreeting_WrongVersion(t *testing.T) {
	buf := bytes.NewReader([]byte{0x04, 1, 0x00})
	if _, err := ReadGreeting(buf); err == nil {
		t.Fatal("expected error for wrong version")
	}
}

func TestReadRequest_IPv4Connect(t *testing.T) {
	buf := bytes.NewReader([]byte{Version, CmdConnect, 0x00, AddrIPv4, 127, 0, 0, 1, 0x00, 0x50})
	req, err := ReadRequest(buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Command != CmdConnect {
		t.Errorf("Command = %d, want CmdConnect", req.Command)
	}
	if req.Dest.Host() != "127.0.0.1" || req.Dest.Port != 80 {
		t.Errorf("Dest = %+v, want 127.0.0.1:80", req.Dest)
	}
}

func TestReadRequest_Domain(t *testing.T) {
	wire := []byte{Version, CmdConnect, 0x00, AddrDomain, 7}
	wire = append(wire, []byte("example")...)
	wire = append(wire, 0x01, 0xbb)
	req, err := ReadRequest(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Dest.Host() != "example" || req.Dest.Port != 443 {
		t.Errorf("Dest = %+v, want example:443", req.Dest)
	}
}

func TestReadRequest_DomainInvalidUTF8(t *testing.T) {
	wire := []byte{Version, CmdConnect, 0x00, AddrDomain, 3, 0xff, 0xfe, 0xfd}
	wire = append(wire, 0x00, 0x50)
	if _, err := ReadRequest(bytes.NewReader(wire)); err == nil {
		t.Fatal("expected error for invalid UTF-8 domain")
	}
}

func TestWriteReply_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, ReplySucceeded, net.IPv4(10, 0, 0, 1), 1080); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	wire := buf.Bytes()
	if wire[0] != Version || wire[1] != ReplySucceeded || wire[3] != AddrIPv4 {
		t.Fatalf("unexpected reply header: % x", wire[:4])
	}
	addr, err := readAddress(bytes.NewReader(wire[4:]), wire[3])
	if err != nil {
		t.Fatalf("decode reply tail: %v", err)
	}
	if addr.Host() != "10.0.0.1" || addr.Port != 1080 {
		t.Errorf("got %+v", addr)
	}
}

func TestUDPHeader_RoundTrip_IPv4(t *testing.T) {
	dest := Address{Type: AddrIPv4, IP: net.IPv4(8, 8, 8, 8).To4(), Port: 53}
	header := BuildUDPHeader(dest)
	payload := []byte("hello")
	datagram := append(header, payload...)

	parsed, rest, err := ParseUDPHeader(datagram)
	if err != nil {
		t.Fatalf("ParseUDPHeader: %v", err)
	}
	if parsed.Dest.Host() != "8.8.8.8" || parsed.Dest.Port != 53 {
		t.Errorf("Dest = %+v", parsed.Dest)
	}
	if string(rest) != "hello" {
		t.Errorf("payload = %q, want %q", rest, "hello")
	}
}

func TestUDPHeader_RoundTrip_IPv6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	dest := Address{Type: AddrIPv6, IP: ip, Port: 9999}
	header := BuildUDPHeader(dest)
	datagram := append(header, []byte("payload")...)

	parsed, rest, err := ParseUDPHeader(datagram)
	if err != nil {
		t.Fatalf("ParseUDPHeader: %v", err)
	}
	if !parsed.Dest.IP.Equal(ip) || parsed.Dest.Port != 9999 {
		t.Errorf("Dest = %+v", parsed.Dest)
	}
	if string(rest) != "payload" {
		t.Errorf("payload = %q", rest)
	}
}

func TestUDPHeader_RoundTrip_Domain(t *testing.T) {
	dest := Address{Type: AddrDomain, Domain: "example.invalid", Port: 443}
	header := BuildUDPHeader(dest)
	datagram := append(header, []byte("x")...)

	parsed, rest, err := ParseUDPHeader(datagram)
	if err != nil {
		t.Fatalf("ParseUDPHeader: %v", err)
	}
	if parsed.Dest.Domain != "example.invalid" || parsed.Dest.Port != 443 {
		t.Errorf("Dest = %+v", parsed.Dest)
	}
	if string(rest) != "x" {
		t.Errorf("payload = %q", rest)
	}
}

func TestParseUDPHeader_Fragmented(t *testing.T) {
	datagram := []byte{0x00, 0x00, 0x01, AddrIPv4, 1, 2, 3, 4, 0, 80}
	if _, _, err := ParseUDPHeader(datagram); err != ErrFragmented {
		t.Errorf("err = %v, want ErrFragmented", err)
	}
}

func TestParseUDPHeader_TooShort(t *testing.T) {
	if _, _, err := ParseUDPHeader([]byte{0x00, 0x00}); err == nil {
		t.Fatal("expected error for short datagram")
	}
}

func TestParseUDPHeader_ReservedNonzero(t *testing.T) {
	datagram := []byte{0x01, 0x00, 0x00, AddrIPv4, 1, 2, 3, 4, 0, 80}
	if _, _, err := ParseUDPHeader(datagram); err == nil {
		t.Fatal("expected error for nonzero reserved bytes")
	}
}

func TestParseUDPHeader_DomainInvalidUTF8(t *testing.T) {
	datagram := []byte{0x00, 0x00, 0x00, AddrDomain, 3, 0xff, 0xfe, 0xfd, 0x00, 0x50}
	if _, _, err := ParseUDPHeader(datagram); err == nil {
		t.Fatal("expected error for invalid UTF-8 domain")
	}
}

func TestAddress_String(t *testing.T) {
	cases := []struct {
		addr Address
		want string
	}{
		{Address{Type: AddrIPv4, IP: net.IPv4(1, 2, 3, 4).To4(), Port: 80}, "1.2.3.4:80"},
		{Address{Type: AddrDomain, Domain: "example.invalid", Port: 443}, "example.invalid:443"},
	}
	for _, c := range cases {
		if got := c.addr.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}
