// Package tenant enforces the isolation boundary between customers.
//
// Every durable row and cache key in the subsystem is namespaced with the
// caller's tenant identifier. A resolved row whose tenant does not match the
// caller is a programming-error-class failure (ErrMismatch), never silently
// filtered.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxIdentifierLength bounds sanitized identifier components.
	MaxIdentifierLength = 64

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"
)

// Common errors.
var (
	ErrInvalidTenantID = errors.New("invalid tenant ID")
	ErrInvalidDomain   = errors.New("invalid domain")
	ErrMismatch        = errors.New("tenant mismatch")
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Valid reports whether s is a usable tenant identifier component.
func Valid(s string) bool {
	return s != "" && len(s) <= MaxIdentifierLength && identifierPattern.MatchString(s)
}

// Sanitize normalizes an arbitrary string into a valid identifier component.
//
// Rules applied:
//   - lowercase
//   - invalid characters replaced with underscores, runs collapsed
//   - leading/trailing underscores trimmed
//   - truncated to MaxIdentifierLength with an 8-char hash suffix when too long
//   - DefaultIdentifier when the result would be empty
func Sanitize(s string) string {
	lower := strings.ToLower(s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range lower {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		switch {
		case valid:
			b.WriteRune(r)
			prevUnderscore = false
		case !prevUnderscore:
			b.WriteByte('_')
			prevUnderscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return DefaultIdentifier
	}

	if len(out) > MaxIdentifierLength {
		sum := sha256.Sum256([]byte(s))
		suffix := hex.EncodeToString(sum[:])[:8]
		out = out[:MaxIdentifierLength-len(suffix)-1] + "_" + suffix
	}
	return out
}

// DomainKey returns the tenant-namespaced domain under which patterns are
// stored and searched. Two tenants using the same logical domain name never
// share a key.
func DomainKey(tenantID, domain string) (string, error) {
	if tenantID == "" {
		return "", ErrInvalidTenantID
	}
	if domain == "" {
		return "", ErrInvalidDomain
	}
	return Sanitize(tenantID) + ":" + Sanitize(domain), nil
}

// SessionScope returns the cache scope for one tenant's session.
func SessionScope(tenantID, sessionID string) (string, error) {
	if tenantID == "" {
		return "", ErrInvalidTenantID
	}
	if sessionID == "" {
		return Sanitize(tenantID), nil
	}
	return Sanitize(tenantID) + ":" + Sanitize(sessionID), nil
}

// CheckOwner verifies that a resolved row belongs to the calling tenant.
// A mismatch is a hard failure; callers must not downgrade it to not-found.
func CheckOwner(callerTenantID, ownerTenantID string) error {
	if callerTenantID == "" {
		return ErrInvalidTenantID
	}
	if callerTenantID != ownerTenantID {
		return fmt.Errorf("%w: row owned by different tenant", ErrMismatch)
	}
	return nil
}
