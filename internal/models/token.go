package models

import "time"

// Identity is the claim set embedded in every access token.
type Identity struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	TokenVersion int    `json:"token_version"`
}

type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// FailedLoginRecord drives temporary lockout after repeated failures.
type FailedLoginRecord struct {
	Count         int       `json:"count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	LockedUntil   time.Time `json:"locked_until,omitempty"`
}

// Locked reports whether the record blocks logins at now.
func (r FailedLoginRecord) Locked(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}
