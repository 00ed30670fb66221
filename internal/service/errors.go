package service

import "errors"

// Token codec failures.
var (
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token expired")
)

// Authentication outcomes surfaced to the HTTP layer.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountLocked       = errors.New("account locked")
	ErrNoRefreshToken      = errors.New("no refresh token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrTokenFamilyBreach means an already consumed refresh token was
	// replayed. The whole family is revoked when this is returned.
	ErrTokenFamilyBreach = errors.New("token family breach")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrStoreUnavailable  = errors.New("security store unavailable")
	ErrEmailTaken        = errors.New("email already registered")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUserNotFound      = errors.New("user not found")
)
