// Package auth provides API key authentication for the RCL API.
//
// One static key guards every /v1 route when configured. Health and
// metrics endpoints stay public. With no key configured auth is disabled.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Header is the preferred request header carrying the key.
const Header = "X-API-Key"

// Authenticator checks presented keys against the configured one. Only the
// SHA-256 of the key is kept.
type Authenticator struct {
	hash    [sha256.Size]byte
	enabled bool
}

// New returns an Authenticator for key. An empty key disables auth.
func New(key string) *Authenticator {
	key = strings.TrimSpace(key)
	if key == "" {
		return &Authenticator{}
	}
	return &Authenticator{hash: sha256.Sum256([]byte(key)), enabled: true}
}

// Enabled reports whether a key is configured.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// Verify checks a presented key in constant time.
func (a *Authenticator) Verify(presented string) error {
	if !a.enabled {
		return nil
	}
	if presented == "" {
		return ErrNoAPIKey
	}
	h := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(h[:], a.hash[:]) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// extractKey reads X-API-Key, falling back to "Authorization: Bearer <key>".
func extractKey(header func(string) string) string {
	if k := strings.TrimSpace(header(Header)); k != "" {
		return k
	}
	authz := strings.TrimSpace(header("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}
