package service

import (
	"context"
	"testing"

	"github.com/libris/libris/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_Login(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.createUser(t, "reader@example.com")

	user, pair, err := env.auth.Login(ctx, "  Reader@Example.com ", testPassword)
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)

	claims, err := env.jwt.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, created.Identity(), claims.Identity())

	_, err = env.jwt.VerifyRefresh(pair.RefreshToken)
	assert.NoError(t, err)
}

func TestAuthService_LoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "reader@example.com")

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"wrong password", "reader@example.com", "nope-nope-nope", ErrInvalidCredentials},
		{"unknown email", "stranger@example.com", testPassword, ErrInvalidCredentials},
		{"empty password", "reader@example.com", "", ErrInvalidInput},
		{"empty email", "", testPassword, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.auth.Login(ctx, tt.email, tt.password)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthService_LockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "reader@example.com")

	for i := 0; i < testLockout.Threshold; i++ {
		_, _, err := env.auth.Login(ctx, "reader@example.com", "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}

	_, _, err := env.auth.Login(ctx, "reader@example.com", testPassword)
	assert.ErrorIs(t, err, ErrAccountLocked)

	// Case differences do not dodge the lock.
	_, _, err = env.auth.Login(ctx, "READER@example.com", testPassword)
	assert.ErrorIs(t, err, ErrAccountLocked)

	env.clock.Advance(testLockout.Duration + 1)
	_, _, err = env.auth.Login(ctx, "reader@example.com", testPassword)
	assert.NoError(t, err)
}

func TestAuthService_SuccessClearsFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "reader@example.com")

	for i := 0; i < testLockout.Threshold-1; i++ {
		_, _, err := env.auth.Login(ctx, "reader@example.com", "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, _, err := env.auth.Login(ctx, "reader@example.com", testPassword)
	require.NoError(t, err)

	for i := 0; i < testLockout.Threshold-1; i++ {
		_, _, err := env.auth.Login(ctx, "reader@example.com", "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	locked, err := env.store.IsLocked(ctx, "reader@example.com")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestAuthService_UnknownEmailsCountTowardLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < testLockout.Threshold; i++ {
		_, _, err := env.auth.Login(ctx, "nobody@example.com", "whatever-pass")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, _, err := env.auth.Login(ctx, "nobody@example.com", "whatever-pass")
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestAuthService_LoginFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "reader@example.com")

	broken := NewAuthService(env.users, unavailableStore{}, env.refresh, env.refresh.logger)
	_, _, err := broken.Login(context.Background(), "reader@example.com", testPassword)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestAuthService_Register(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, pair, err := env.auth.Register(ctx, "New@Example.com", " New Reader ", "long-enough-pw")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", user.Email)
	assert.Equal(t, "New Reader", user.Name)
	assert.NotEqual(t, "long-enough-pw", user.PasswordHash)
	require.NotNil(t, pair)

	_, _, err = env.auth.Login(ctx, "new@example.com", "long-enough-pw")
	assert.NoError(t, err)

	_, _, err = env.auth.Register(ctx, "new@example.com", "Again", "long-enough-pw")
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, _, err = env.auth.Register(ctx, "not-an-email", "X", "long-enough-pw")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = env.auth.Register(ctx, "short@example.com", "X", "short")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuthService_Profile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.createUser(t, "reader@example.com")

	user, err := env.auth.Profile(ctx, created.Identity())
	require.NoError(t, err)
	assert.Equal(t, created.Email, user.Email)

	_, err = env.auth.Profile(ctx, models.Identity{UserID: "missing"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAuthService_ProfileRejectsStaleTokenVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.createUser(t, "reader@example.com")

	stale := created.Identity()
	stale.TokenVersion = created.TokenVersion + 1

	_, err := env.auth.Profile(ctx, stale)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
