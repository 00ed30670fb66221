package handlers

import (
	"net/http"
	"time"

	"github.com/libris/libris/internal/config"
	"github.com/libris/libris/internal/middleware"
	"github.com/libris/libris/internal/models"
)

const RefreshTokenCookie = "refreshToken"

// CookieTransport writes the token pair as httpOnly cookies. Secure and
// SameSite=Strict apply in production; development relaxes both so plain
// http://localhost works.
type CookieTransport struct {
	secure     bool
	sameSite   http.SameSite
	domain     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewCookieTransport(cfg *config.Config) *CookieTransport {
	t := &CookieTransport{
		sameSite:   http.SameSiteLaxMode,
		domain:     cfg.Cookie.Domain,
		accessTTL:  cfg.JWT.AccessExpiry,
		refreshTTL: cfg.JWT.RefreshExpiry,
	}
	if cfg.IsProduction() {
		t.secure = true
		t.sameSite = http.SameSiteStrictMode
	}
	return t
}

func (t *CookieTransport) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   t.domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: t.sameSite,
	}
}

func (t *CookieTransport) SetAuthCookies(w http.ResponseWriter, pair *models.TokenPair) {
	http.SetCookie(w, t.cookie(middleware.AccessTokenCookie, pair.AccessToken, t.accessTTL))
	http.SetCookie(w, t.cookie(RefreshTokenCookie, pair.RefreshToken, t.refreshTTL))
}

// ClearAuthCookies expires both cookies with the same attributes they were
// set with; browsers ignore a clear whose path or domain differs.
func (t *CookieTransport) ClearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{middleware.AccessTokenCookie, RefreshTokenCookie} {
		c := t.cookie(name, "", 0)
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}
