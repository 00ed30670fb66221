package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/libris/libris/internal/config"
	"github.com/libris/libris/internal/middleware"
	"github.com/libris/libris/internal/models"
	"github.com/libris/libris/internal/repository"
	"github.com/libris/libris/internal/service"
	"github.com/libris/libris/internal/store"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const password = "correct-horse-battery"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	router *mux.Router
	clock  *clock
	user   *models.User
}

func testConfig(env string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Environment:    env,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		JWT: config.JWTConfig{
			AccessSecret:  "access-secret-0123456789abcdefghijklmnop",
			RefreshSecret: "refresh-secret-0123456789abcdefghijklmno",
			Issuer:        "libris-test",
			AccessExpiry:  15 * time.Minute,
			RefreshExpiry: 7 * 24 * time.Hour,
		},
		Security: config.SecurityConfig{
			LockoutThreshold: 5,
			LockoutWindow:    15 * time.Minute,
			LockoutDuration:  15 * time.Minute,
		},
	}
}

func newTestServer(t *testing.T, env string) *testServer {
	t.Helper()

	cfg := testConfig(env)
	clk := &clock{now: time.Now().Truncate(time.Second)}
	logger, _ := logtest.NewNullLogger()

	jwtService, err := service.NewJWTService(&cfg.JWT, logger, service.WithClock(clk.Now))
	require.NoError(t, err)

	securityStore := store.NewMemory(store.LockoutPolicy{
		Threshold: cfg.Security.LockoutThreshold,
		Window:    cfg.Security.LockoutWindow,
		Duration:  cfg.Security.LockoutDuration,
	}, cfg.JWT.RefreshExpiry, clk.Now)
	users := repository.NewMemoryUserRepository()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{Email: "reader@example.com", Name: "Reader", PasswordHash: string(hash)}
	require.NoError(t, users.Create(context.Background(), user))

	refreshService := service.NewRefreshService(jwtService, securityStore, users, logger)
	authService := service.NewAuthService(users, securityStore, refreshService, logger).WithBcryptCost(bcrypt.MinCost)
	authHandlers := NewAuthHandlers(authService, refreshService, NewCookieTransport(cfg), logger)
	authMiddleware := middleware.NewAuthMiddleware(jwtService, logger)

	return &testServer{
		router: NewRouter(authHandlers, authMiddleware, cfg.Server.AllowedOrigins, logger),
		clock:  clk,
		user:   user,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) login(t *testing.T) map[string]*http.Cookie {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/auth/login", `{"email":"reader@example.com","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return cookieMap(rr)
}

func cookieMap(rr *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range rr.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
	return body.Code
}

func TestLogin_SetsCookiesAndReturnsUser(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)

	rr := s.do(t, http.MethodPost, "/auth/login", `{"email":"reader@example.com","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var body UserEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, s.user.ID, body.User.ID)
	assert.Equal(t, "reader@example.com", body.User.Email)
	assert.NotContains(t, rr.Body.String(), "password")
	assert.NotContains(t, rr.Body.String(), "Token")

	cookies := cookieMap(rr)
	require.Contains(t, cookies, middleware.AccessTokenCookie)
	require.Contains(t, cookies, RefreshTokenCookie)
}

func TestLogin_Failures(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)

	rr := s.do(t, http.MethodPost, "/auth/login", `{"email":"reader@example.com","password":"wrong-password"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, rr))
	assert.Empty(t, rr.Result().Cookies())

	rr = s.do(t, http.MethodPost, "/auth/login", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rr))
}

func TestCookieFlags(t *testing.T) {
	tests := []struct {
		env      string
		secure   bool
		sameSite http.SameSite
	}{
		{config.EnvDevelopment, false, http.SameSiteLaxMode},
		{config.EnvProduction, true, http.SameSiteStrictMode},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			s := newTestServer(t, tt.env)
			cookies := s.login(t)

			access := cookies[middleware.AccessTokenCookie]
			refresh := cookies[RefreshTokenCookie]
			for _, c := range []*http.Cookie{access, refresh} {
				require.NotNil(t, c)
				assert.True(t, c.HttpOnly)
				assert.Equal(t, tt.secure, c.Secure)
				assert.Equal(t, tt.sameSite, c.SameSite)
				assert.Equal(t, "/", c.Path)
			}
			assert.Equal(t, int((15 * time.Minute).Seconds()), access.MaxAge)
			assert.Equal(t, int((7 * 24 * time.Hour).Seconds()), refresh.MaxAge)
		})
	}
}

func TestRefresh_ReplayIsBreach(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)
	cookies := s.login(t)
	token0 := cookies[RefreshTokenCookie]

	rr := s.do(t, http.MethodPost, "/auth/refresh", "", token0)
	require.Equal(t, http.StatusOK, rr.Code)

	var body RefreshResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Message)
	assert.Equal(t, s.user.ID, body.User.ID)
	rotated := cookieMap(rr)[RefreshTokenCookie]
	require.NotNil(t, rotated)
	assert.NotEqual(t, token0.Value, rotated.Value)

	rr = s.do(t, http.MethodPost, "/auth/refresh", "", token0)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "TOKEN_FAMILY_BREACH", errorCode(t, rr))
	for _, c := range rr.Result().Cookies() {
		assert.Empty(t, c.Value)
		assert.Less(t, c.MaxAge, 0)
	}

	// The family is gone, so the legitimate rotated token is dead too.
	rr = s.do(t, http.MethodPost, "/auth/refresh", "", rotated)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_REFRESH_TOKEN", errorCode(t, rr))
}

func TestRefresh_StaleAccessTokenRecovery(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)
	cookies := s.login(t)

	rr := s.do(t, http.MethodGet, "/auth/profile", "", cookies[middleware.AccessTokenCookie])
	require.Equal(t, http.StatusOK, rr.Code)

	s.clock.Advance(16 * time.Minute)

	rr = s.do(t, http.MethodGet, "/auth/profile", "", cookies[middleware.AccessTokenCookie])
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, rr))

	rr = s.do(t, http.MethodPost, "/auth/refresh", "", cookies[RefreshTokenCookie])
	require.Equal(t, http.StatusOK, rr.Code)
	fresh := cookieMap(rr)
	require.Contains(t, fresh, middleware.AccessTokenCookie)

	rr = s.do(t, http.MethodGet, "/auth/profile", "", fresh[middleware.AccessTokenCookie])
	require.Equal(t, http.StatusOK, rr.Code)

	var body UserEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, s.user.ID, body.User.ID)
}

func TestRefresh_TokenSources(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)
	cookies := s.login(t)

	rr := s.do(t, http.MethodPost, "/auth/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "NO_REFRESH_TOKEN", errorCode(t, rr))

	rr = s.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+cookies[RefreshTokenCookie].Value+`"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"garbage"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_REFRESH_TOKEN", errorCode(t, rr))
}

func TestRefresh_ExpiredIsInvalidNotBreach(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)
	cookies := s.login(t)

	s.clock.Advance(8 * 24 * time.Hour)

	rr := s.do(t, http.MethodPost, "/auth/refresh", "", cookies[RefreshTokenCookie])
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_REFRESH_TOKEN", errorCode(t, rr))
}

func TestLogin_LockoutScenario(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)

	for i := 0; i < 5; i++ {
		rr := s.do(t, http.MethodPost, "/auth/login", `{"email":"reader@example.com","password":"wrong-password"}`)
		require.Equal(t, http.StatusUnauthorized, rr.Code, "attempt %d", i+1)
	}

	rr := s.do(t, http.MethodPost, "/auth/login", `{"email":"reader@example.com","password":"`+password+`"}`)
	assert.Equal(t, http.StatusLocked, rr.Code)
	assert.Equal(t, "ACCOUNT_LOCKED", errorCode(t, rr))
	assert.Empty(t, rr.Result().Cookies())
}

func TestLogout(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)
	cookies := s.login(t)

	rr := s.do(t, http.MethodPost, "/auth/logout", "", cookies[RefreshTokenCookie])
	require.Equal(t, http.StatusOK, rr.Code)

	cleared := cookieMap(rr)
	for _, name := range []string{middleware.AccessTokenCookie, RefreshTokenCookie} {
		require.Contains(t, cleared, name)
		assert.Empty(t, cleared[name].Value)
		assert.Less(t, cleared[name].MaxAge, 0)
		assert.True(t, cleared[name].HttpOnly)
	}

	rr = s.do(t, http.MethodPost, "/auth/refresh", "", cookies[RefreshTokenCookie])
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Logging out without a session still succeeds.
	rr = s.do(t, http.MethodPost, "/auth/logout", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRegister(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)

	rr := s.do(t, http.MethodPost, "/api/v1/auth/register", `{"email":"new@example.com","password":"long-enough-pw","name":"New"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Contains(t, cookieMap(rr), RefreshTokenCookie)

	rr = s.do(t, http.MethodPost, "/api/v1/auth/register", `{"email":"new@example.com","password":"long-enough-pw"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "EMAIL_TAKEN", errorCode(t, rr))

	rr = s.do(t, http.MethodPost, "/api/v1/auth/register", `{"email":"x@example.com","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rr))
}

func TestProfile_BearerHeaderAndVersionedPath(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)
	cookies := s.login(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+cookies[middleware.AccessTokenCookie].Value)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/v1/auth/profile", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestProfile_StaleTokenVersionRejected(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)
	logger, _ := logtest.NewNullLogger()

	jwtService, err := service.NewJWTService(&testConfig(config.EnvDevelopment).JWT, logger, service.WithClock(s.clock.Now))
	require.NoError(t, err)
	stale := s.user.Identity()
	stale.TokenVersion++
	access, _, err := jwtService.IssueAccess(stale)
	require.NoError(t, err)

	rr := s.do(t, http.MethodGet, "/auth/profile", "", &http.Cookie{Name: middleware.AccessTokenCookie, Value: access})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(t, rr))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, config.EnvDevelopment)

	rr := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestMapError_UnknownIsInternal(t *testing.T) {
	m := mapError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, m.status)
	assert.Equal(t, "INTERNAL_ERROR", m.code)

	m = mapError(service.ErrStoreUnavailable)
	assert.Equal(t, http.StatusUnauthorized, m.status)
	assert.Equal(t, "UNAUTHENTICATED", m.code)
}
