package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/libris/libris/internal/middleware"
	"github.com/libris/libris/internal/models"
	"github.com/libris/libris/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	authService    *service.AuthService
	refreshService *service.RefreshService
	cookies        *CookieTransport
	logger         *logrus.Logger
}

func NewAuthHandlers(
	authService *service.AuthService,
	refreshService *service.RefreshService,
	cookies *CookieTransport,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		authService:    authService,
		refreshService: refreshService,
		cookies:        cookies,
		logger:         logger,
	}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type UserEnvelope struct {
	User models.UserResponse `json:"user"`
}

type RefreshResponse struct {
	Message string              `json:"message"`
	User    models.UserResponse `json:"user"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorMapping struct {
	status  int
	code    string
	message string
}

var errorMappings = []struct {
	err error
	errorMapping
}{
	{service.ErrInvalidInput, errorMapping{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request"}},
	{service.ErrInvalidCredentials, errorMapping{http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password"}},
	{service.ErrAccountLocked, errorMapping{http.StatusLocked, "ACCOUNT_LOCKED", "Account temporarily locked after repeated failed logins"}},
	{service.ErrNoRefreshToken, errorMapping{http.StatusUnauthorized, "NO_REFRESH_TOKEN", "Refresh token is required"}},
	{service.ErrInvalidRefreshToken, errorMapping{http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Invalid or expired refresh token"}},
	{service.ErrTokenFamilyBreach, errorMapping{http.StatusUnauthorized, "TOKEN_FAMILY_BREACH", "Security alert: this session was used from somewhere else and has been signed out everywhere. Please log in again."}},
	{service.ErrEmailTaken, errorMapping{http.StatusConflict, "EMAIL_TAKEN", "Email is already registered"}},
	{service.ErrUserNotFound, errorMapping{http.StatusNotFound, "USER_NOT_FOUND", "User not found"}},
	{service.ErrStoreUnavailable, errorMapping{http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required"}},
	{service.ErrUnauthenticated, errorMapping{http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required"}},
}

func mapError(err error) errorMapping {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.errorMapping
		}
	}
	return errorMapping{http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"}
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	user, pair, err := h.authService.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.cookies.SetAuthCookies(w, pair)
	h.respondWithJSON(w, http.StatusCreated, UserEnvelope{User: user.Response()})
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	user, pair, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.cookies.SetAuthCookies(w, pair)
	h.respondWithJSON(w, http.StatusOK, UserEnvelope{User: user.Response()})
}

// Refresh reads the refresh token from its cookie, falling back to the JSON
// body for clients that cannot hold cookies.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.refreshService.Refresh(r.Context(), refreshTokenFrom(r))
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefreshToken) || errors.Is(err, service.ErrTokenFamilyBreach) {
			h.cookies.ClearAuthCookies(w)
		}
		h.respondWithServiceError(w, err)
		return
	}

	h.cookies.SetAuthCookies(w, result.Pair)
	h.respondWithJSON(w, http.StatusOK, RefreshResponse{
		Message: "Tokens refreshed",
		User:    result.User.Response(),
	})
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.refreshService.EndSession(r.Context(), refreshTokenFrom(r))

	h.cookies.ClearAuthCookies(w)
	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

func (h *AuthHandlers) Profile(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondWithServiceError(w, service.ErrUnauthenticated)
		return
	}

	user, err := h.authService.Profile(r.Context(), identity)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, UserEnvelope{User: user.Response()})
}

func refreshTokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(RefreshTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	var req RefreshRequest
	if r.Body != nil {
		// An empty or malformed body just means no token was sent.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return req.RefreshToken
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func (h *AuthHandlers) respondWithServiceError(w http.ResponseWriter, err error) {
	m := mapError(err)
	if m.status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("Unhandled auth error")
	}
	h.respondWithError(w, m.status, m.code, m.message)
}
