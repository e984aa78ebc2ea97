// Package httpdec implements the plaintext-HTTP framing helpers the forward
// proxy needs: absolute-URI and CONNECT-target parsing, hop-by-hop header
// scrubbing, and absolute-to-relative URI rewriting.
package httpdec

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// hopByHop is the fixed RFC 7230 section 6.1 set, checked case-insensitively.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"te":                  {},
	"trailers":            {},
	"upgrade":             {},
}

// ParseAbsoluteURI parses an absolute http:// or https:// URI, defaulting
// the port to 80 or 443 respectively. The scheme is matched
// case-insensitively; the path defaults to "/" when absent.
func ParseAbsoluteURI(s string) (host string, port int, path string, err error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", 0, "", fmt.Errorf("httpdec: parse absolute URI: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	var defaultPort int
	switch scheme {
	case "http":
		defaultPort = 80
	case "https":
		defaultPort = 443
	default:
		return "", 0, "", fmt.Errorf("httpdec: unsupported scheme %q", u.Scheme)
	}

	host = u.Hostname()
	if host == "" {
		return "", 0, "", fmt.Errorf("httpdec: absolute URI missing host")
	}

	port = defaultPort
	if p := u.Port(); p != "" {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return "", 0, "", fmt.Errorf("httpdec: invalid port %q", p)
		}
		port = n
	}

	path = u.RequestURI()
	if path == "" {
		path = "/"
	}
	return host, port, path, nil
}

// ParseConnectTarget parses a CONNECT request-target of the form
// "host:port" or "[ipv6]:port". The port must be in 1..65535.
func ParseConnectTarget(s string) (host string, port int, err error) {
	host, portStr, err := splitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("httpdec: parse CONNECT target %q: %w", s, err)
	}
	n, err := strconv.Atoi(portStr)
	if err != nil || n < 1 || n > 65535 {
		return "", 0, fmt.Errorf("httpdec: invalid CONNECT port in %q", s)
	}
	return host, n, nil
}

// splitHostPort mirrors net.SplitHostPort but is kept local so callers don't
// need to import net only for this one call, and so the error message stays
// specific to the CONNECT grammar.
func splitHostPort(hostport string) (host, port string, err error) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	host = hostport[:i]
	port = hostport[i+1:]
	if strings.HasPrefix(host, "[") {
		if !strings.HasSuffix(host, "]") {
			return "", "", fmt.Errorf("missing closing bracket")
		}
		host = host[1 : len(host)-1]
	}
	if host == "" || port == "" {
		return "", "", fmt.Errorf("empty host or port")
	}
	return host, port, nil
}

// ExtractTarget determines the forward destination for a non-CONNECT
// request: the absolute URI if present, otherwise the Host header,
// defaulting to port 80.
func ExtractTarget(req *http.Request) (host string, port int, err error) {
	if req.URL != nil && req.URL.IsAbs() {
		host, port, _, err = ParseAbsoluteURI(req.URL.String())
		if err == nil {
			return host, port, nil
		}
	}

	h := req.Host
	if h == "" {
		h = req.Header.Get("Host")
	}
	if h == "" {
		return "", 0, fmt.Errorf("httpdec: request carries no Host")
	}

	if host, portStr, splitErr := splitHostPort(h); splitErr == nil {
		n, convErr := strconv.Atoi(portStr)
		if convErr == nil {
			return host, n, nil
		}
	}
	return h, 80, nil
}

// StripHopByHop removes the fixed hop-by-hop header set (case-insensitively)
// plus every token listed in the Connection header, mutating h in place.
func StripHopByHop(h http.Header) {
	for _, token := range h.Values("Connection") {
		for _, name := range strings.Split(token, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				h.Del(name)
			}
		}
	}
	for name := range hopByHop {
		h.Del(name)
	}
}

// RewriteToRelative reduces an absolute URI to its path-and-query. A
// relative URI is returned unchanged.
func RewriteToRelative(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() {
		return uri
	}
	rel := u.RequestURI()
	if rel == "" {
		return "/"
	}
	return rel
}
