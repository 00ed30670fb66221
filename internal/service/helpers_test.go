package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libris/libris/internal/config"
	"github.com/libris/libris/internal/models"
	"github.com/libris/libris/internal/repository"
	"github.com/libris/libris/internal/store"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "correct-horse-battery"

var testJWTConfig = config.JWTConfig{
	AccessSecret:  "access-secret-0123456789abcdefghijklmnop",
	RefreshSecret: "refresh-secret-0123456789abcdefghijklmno",
	Issuer:        "libris-test",
	AccessExpiry:  15 * time.Minute,
	RefreshExpiry: 7 * 24 * time.Hour,
}

var testLockout = store.LockoutPolicy{
	Threshold: 5,
	Window:    15 * time.Minute,
	Duration:  15 * time.Minute,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	clock   *fakeClock
	jwt     *JWTService
	store   *store.Memory
	users   *repository.MemoryUserRepository
	refresh *RefreshService
	auth    *AuthService
	logs    *logtest.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := &fakeClock{now: time.Now().Truncate(time.Second)}
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	jwtService, err := NewJWTService(&testJWTConfig, logger, WithClock(clock.Now))
	require.NoError(t, err)

	securityStore := store.NewMemory(testLockout, testJWTConfig.RefreshExpiry, clock.Now)
	users := repository.NewMemoryUserRepository()
	refresh := NewRefreshService(jwtService, securityStore, users, logger)
	auth := NewAuthService(users, securityStore, refresh, logger).WithBcryptCost(bcrypt.MinCost)

	return &testEnv{
		clock:   clock,
		jwt:     jwtService,
		store:   securityStore,
		users:   users,
		refresh: refresh,
		auth:    auth,
		logs:    hook,
	}
}

func (e *testEnv) createUser(t *testing.T, email string) *models.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	user := &models.User{Email: email, Name: "Test Reader", PasswordHash: string(hash)}
	require.NoError(t, e.users.Create(context.Background(), user))
	return user
}
