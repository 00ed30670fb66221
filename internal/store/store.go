// Package store holds the persistent security state behind token rotation:
// the blacklist of consumed refresh tokens, token-family membership and
// failed-login lockout counters.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/libris/libris/internal/models"
)

var (
	// ErrUnavailable wraps every backend failure. Callers must fail closed.
	ErrUnavailable = errors.New("security store unavailable")
	// ErrFamilyRevoked is returned when a member is added to a revoked family.
	ErrFamilyRevoked = errors.New("token family revoked")
)

// SecurityStore is safe for concurrent use. Every mutation is atomic at the
// storage layer; no caller-side locking is assumed.
type SecurityStore interface {
	IsBlacklisted(ctx context.Context, tokenHash string) (bool, error)
	// Blacklist inserts tokenHash if absent. claimed is true only for the
	// caller whose write created the entry.
	Blacklist(ctx context.Context, tokenHash string, ttl time.Duration) (claimed bool, err error)

	RecordFamilyMember(ctx context.Context, familyID, tokenHash string, ttl time.Duration) error
	FamilyHasMember(ctx context.Context, familyID, tokenHash string) (bool, error)
	RevokeFamily(ctx context.Context, familyID string) error

	RecordFailedLogin(ctx context.Context, accountID string) (models.FailedLoginRecord, error)
	IsLocked(ctx context.Context, accountID string) (bool, error)
	ClearFailedLogins(ctx context.Context, accountID string) error
}

// LockoutPolicy configures failed-login accounting.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

// HashToken returns the identifier under which a raw token is stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NormalizeAccount keys lockout records by a case-insensitive email.
func NormalizeAccount(accountID string) string {
	return strings.ToLower(strings.TrimSpace(accountID))
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// staleFailures reports whether a failure record should restart from zero:
// either the window since the last failure has passed or a previous lockout
// has run out. A record is never reset while its lockout is active.
func staleFailures(rec models.FailedLoginRecord, now time.Time, window time.Duration) bool {
	if rec.Count == 0 || rec.Locked(now) {
		return false
	}
	return now.Sub(rec.LastAttemptAt) > window || !rec.LockedUntil.IsZero()
}
