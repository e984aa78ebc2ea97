package socks5

import (
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"

	"github.com/postalsys/dualproxy/internal/socks5dec"
)

// AuthMethodUserPass is RFC 1929's username/password method code. No
// Authenticator for it is wired into DefaultConfig: spec.md's Non-goals
// exclude SOCKS5 authentication beyond no-auth. The type below exists as an
// opt-in extension point for an embedder that supplies its own
// CredentialStore; see DESIGN.md for why it is kept unwired rather than
// deleted.
const AuthMethodUserPass = 0x02

// Authenticator handles one SOCKS5 authentication method.
type Authenticator interface {
	// Authenticate performs the method's handshake and returns the
	// authenticated username, if any.
	Authenticate(r io.Reader, w io.Writer) (string, error)

	// GetMethod returns the method code this Authenticator answers for.
	GetMethod() byte
}

// NoAuthAuthenticator is the only authentication method spec.md allows: it
// accepts every connection without a handshake.
type NoAuthAuthenticator struct{}

// Authenticate always succeeds for no-auth.
func (NoAuthAuthenticator) Authenticate(io.Reader, io.Writer) (string, error) {
	return "", nil
}

// GetMethod returns the no-auth method code.
func (NoAuthAuthenticator) GetMethod() byte {
	return socks5dec.AuthNoAuth
}

// CredentialStore validates a username/password pair for UserPassAuthenticator.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials maps usernames to bcrypt password hashes. Valid runs a
// dummy bcrypt comparison against an unknown username so that lookup time
// doesn't leak which usernames exist.
type HashedCredentials map[string]string

// dummyHash is compared against when the username isn't present, to keep
// Valid's timing independent of username existence.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Valid reports whether password matches the stored hash for username.
func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// HashPassword bcrypt-hashes password for storage in a HashedCredentials map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// UserPassAuthenticator implements RFC 1929 username/password authentication
// against a CredentialStore. Not part of DefaultConfig's authenticator list.
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

// NewUserPassAuthenticator builds a UserPassAuthenticator backed by creds.
func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

// GetMethod returns the username/password method code.
func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate performs the RFC 1929 handshake.
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
func (a *UserPassAuthenticator) Authenticate(r io.Reader, w io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", err
	}
	if header[0] != 0x01 {
		return "", errors.New("socks5: unsupported auth version")
	}

	uLen := int(header[1])
	if uLen == 0 {
		return "", errors.New("socks5: empty username")
	}
	username := make([]byte, uLen)
	if _, err := io.ReadFull(r, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, pLenBuf); err != nil {
		return "", err
	}
	password := make([]byte, pLenBuf[0])
	if pLenBuf[0] > 0 {
		if _, err := io.ReadFull(r, password); err != nil {
			return "", err
		}
	}

	if a.Credentials == nil || !a.Credentials.Valid(string(username), string(password)) {
		w.Write([]byte{0x01, 0x01})
		return "", errors.New("socks5: authentication failed")
	}

	if _, err := w.Write([]byte{0x01, 0x00}); err != nil {
		return "", err
	}
	return string(username), nil
}
