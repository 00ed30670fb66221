package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/libris/libris/internal/models"
	"github.com/libris/libris/internal/service"
	"github.com/sirupsen/logrus"
)

// AccessTokenCookie carries the access token when no Authorization header
// is sent.
const AccessTokenCookie = "accessToken"

type contextKey string

const identityKey contextKey = "identity"

type AuthMiddleware struct {
	jwtService *service.JWTService
	logger     *logrus.Logger
}

func NewAuthMiddleware(jwtService *service.JWTService, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		logger:     logger,
	}
}

// Authenticate verifies the request's access token. The Authorization header
// wins over the cookie when both are present.
func (m *AuthMiddleware) Authenticate(r *http.Request) (models.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return models.Identity{}, service.ErrUnauthenticated
	}

	claims, err := m.jwtService.VerifyAccess(token)
	if err != nil {
		return models.Identity{}, err
	}
	return claims.Identity(), nil
}

func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.Authenticate(r)
		if err != nil {
			m.logger.WithError(err).WithField("path", r.URL.Path).Debug("Access token rejected")
			respondUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext returns the identity attached by RequireAuth.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(models.Identity)
	return identity, ok
}

func bearerToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func respondUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "Authentication required",
		"code":  "UNAUTHENTICATED",
	})
}
