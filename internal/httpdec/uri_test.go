package httpdec

import (
	"net/http"
	"testing"
)

func TestParseAbsoluteURI_DefaultPort(t *testing.T) {
	host, port, path, err := ParseAbsoluteURI("http://example.com/foo?bar=1")
	if err != nil {
		t.Fatalf("ParseAbsoluteURI: %v", err)
	}
	if host != "example.com" || port != 80 || path != "/foo?bar=1" {
		t.Errorf("got host=%q port=%d path=%q", host, port, path)
	}
}

func TestParseAbsoluteURI_ExplicitPort(t *testing.T) {
	host, port, path, err := ParseAbsoluteURI("https://example.com:8443/")
	if err != nil {
		t.Fatalf("ParseAbsoluteURI: %v", err)
	}
	if host != "example.com" || port != 8443 || path != "/" {
		t.Errorf("got host=%q port=%d path=%q", host, port, path)
	}
}

func TestParseAbsoluteURI_NoPath(t *testing.T) {
	_, _, path, err := ParseAbsoluteURI("http://example.com")
	if err != nil {
		t.Fatalf("ParseAbsoluteURI: %v", err)
	}
	if path != "/" {
		t.Errorf("path = %q, want /", path)
	}
}

func TestParseAbsoluteURI_UnsupportedScheme(t *testing.T) {
	if _, _, _, err := ParseAbsoluteURI("ftp://example.com/"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestParseConnectTarget(t *testing.T) {
	host, port, err := ParseConnectTarget("example.com:443")
	if err != nil {
		t.Fatalf("ParseConnectTarget: %v", err)
	}
	if host != "example.com" || port != 443 {
		t.Errorf("got host=%q port=%d", host, port)
	}
}

func TestParseConnectTarget_IPv6(t *testing.T) {
	host, port, err := ParseConnectTarget("[2001:db8::1]:443")
	if err != nil {
		t.Fatalf("ParseConnectTarget: %v", err)
	}
	if host != "2001:db8::1" || port != 443 {
		t.Errorf("got host=%q port=%d", host, port)
	}
}

func TestParseConnectTarget_MissingPort(t *testing.T) {
	if _, _, err := ParseConnectTarget("example.com"); err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestParseConnectTarget_InvalidPort(t *testing.T) {
	if _, _, err := ParseConnectTarget("example.com:notaport"); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestExtractTarget_AbsoluteURI(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com:81/path", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	host, port, err := ExtractTarget(req)
	if err != nil {
		t.Fatalf("ExtractTarget: %v", err)
	}
	if host != "example.com" || port != 81 {
		t.Errorf("got host=%q port=%d", host, port)
	}
}

func TestExtractTarget_HostHeaderFallback(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/path", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Host = "example.com:8080"
	host, port, err := ExtractTarget(req)
	if err != nil {
		t.Fatalf("ExtractTarget: %v", err)
	}
	if host != "example.com" || port != 8080 {
		t.Errorf("got host=%q port=%d", host, port)
	}
}

func TestExtractTarget_HostHeaderNoPort(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/path", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Host = "example.com"
	host, port, err := ExtractTarget(req)
	if err != nil {
		t.Fatalf("ExtractTarget: %v", err)
	}
	if host != "example.com" || port != 80 {
		t.Errorf("got host=%q port=%d", host, port)
	}
}

func TestExtractTarget_NoHost(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/path", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Host = ""
	req.Header.Del("Host")
	if _, _, err := ExtractTarget(req); err == nil {
		t.Fatal("expected error for missing Host")
	}
}

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "Keep-Alive, X-Custom")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authorization", "Basic xyz")
	h.Set("X-Custom", "drop-me")
	h.Set("X-Real", "keep-me")

	StripHopByHop(h)

	for _, name := range []string{"Connection", "Keep-Alive", "Proxy-Authorization", "X-Custom"} {
		if h.Get(name) != "" {
			t.Errorf("header %q should have been stripped, got %q", name, h.Get(name))
		}
	}
	if h.Get("X-Real") != "keep-me" {
		t.Errorf("X-Real should survive, got %q", h.Get("X-Real"))
	}
}

func TestRewriteToRelative(t *testing.T) {
	cases := map[string]string{
		"http://example.com/foo?bar=1": "/foo?bar=1",
		"http://example.com":           "/",
		"/already/relative":            "/already/relative",
	}
	for in, want := range cases {
		if got := RewriteToRelative(in); got != want {
			t.Errorf("RewriteToRelative(%q) = %q, want %q", in, got, want)
		}
	}
}
