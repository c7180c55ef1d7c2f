// Package auth maps opaque bearer tokens to actors. Tokens are static
// registry entries (no JWT, no expiry): the service trusts whatever the
// deployment injected through its environment, and every request either
// resolves to a known actor or is rejected.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/peyvand-edu/sabt-core/pkg/textnorm"
)

// Role classifies what an authenticated caller may do.
type Role string

const (
	// RoleAdmin may submit exports, read jobs, and scrape metrics.
	RoleAdmin Role = "admin"
	// RoleManager may submit exports scoped to its centers and read jobs.
	RoleManager Role = "manager"
	// RoleMetrics is the role attached to metrics-only tokens.
	RoleMetrics Role = "metrics"
)

// Actor is the resolved identity attached to a request after a
// successful token lookup.
type Actor struct {
	Role Role
	// MetricsOnly actors may only reach the metrics exposition.
	MetricsOnly bool
	// TokenFingerprint is a short stable digest of the presented token,
	// safe to log in place of the secret itself.
	TokenFingerprint string
}

// Authentication failures. The HTTP layer maps these onto status codes
// and onto auth_fail_total reasons.
var (
	ErrMissingToken = errors.New("missing token")
	ErrUnknownToken = errors.New("unknown token")
	ErrScopeDenied  = errors.New("scope denied")
	ErrMalformed    = errors.New("malformed auth header")
)

// FailReason converts an authentication error into the stable reason
// label used by auth_fail_total.
func FailReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing"
	case errors.Is(err, ErrUnknownToken):
		return "unknown"
	case errors.Is(err, ErrScopeDenied):
		return "scope_denied"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "error"
	}
}

// NormalizeToken trims outer whitespace and strips zero-width runes.
// Digits are deliberately not folded: tokens are opaque secrets.
func NormalizeToken(s string) string {
	return textnorm.StripZeroWidth(s)
}

// HasControl reports whether s contains an ASCII control character.
// Auth-related headers carrying control bytes are rejected outright
// rather than sanitized.
func HasControl(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// Fingerprint returns a 12-hex-char digest of a token for log and
// audit trails.
func Fingerprint(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

// Registry holds the static token table. It is built once at startup
// and read-only afterwards, so no locking is needed.
type Registry struct {
	tokens map[string]Actor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]Actor)}
}

// Register adds one token. The token is normalized before storage so
// lookups and registrations agree on zero-width handling.
func (r *Registry) Register(token string, role Role, metricsOnly bool) error {
	tok := NormalizeToken(token)
	if tok == "" {
		return fmt.Errorf("register: empty token")
	}
	if HasControl(tok) {
		return fmt.Errorf("register: token contains control characters")
	}
	if _, dup := r.tokens[tok]; dup {
		return fmt.Errorf("register: duplicate token %s", Fingerprint(tok))
	}
	r.tokens[tok] = Actor{
		Role:             role,
		MetricsOnly:      metricsOnly,
		TokenFingerprint: Fingerprint(tok),
	}
	return nil
}

// Len reports how many tokens are registered.
func (r *Registry) Len() int { return len(r.tokens) }

// Authenticate resolves a presented token. allowMetrics widens the
// lookup to metrics-only tokens; without it they fail with
// ErrScopeDenied so a scrape token can never reach the API proper.
func (r *Registry) Authenticate(token string, allowMetrics bool) (Actor, error) {
	tok := NormalizeToken(token)
	if tok == "" {
		return Actor{}, ErrMissingToken
	}
	if HasControl(tok) {
		return Actor{}, ErrMalformed
	}
	actor, ok := r.tokens[tok]
	if !ok {
		return Actor{}, ErrUnknownToken
	}
	if actor.MetricsOnly && !allowMetrics {
		return Actor{}, ErrScopeDenied
	}
	return actor, nil
}

// ParseTokens builds a registry from a comma-separated list of
// role:token pairs, e.g. "admin:tok-a,manager:tok-b". Unknown roles
// are rejected so a typo fails startup instead of minting an
// unprivileged ghost role.
func ParseTokens(list string) (*Registry, error) {
	reg := NewRegistry()
	if strings.TrimSpace(list) == "" {
		return reg, nil
	}
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		role, token, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("parse tokens: %q is not role:token", pair)
		}
		var r Role
		switch strings.ToLower(strings.TrimSpace(role)) {
		case "admin":
			r = RoleAdmin
		case "manager":
			r = RoleManager
		default:
			return nil, fmt.Errorf("parse tokens: unknown role %q", role)
		}
		if err := reg.Register(token, r, false); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
