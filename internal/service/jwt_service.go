package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/libris/libris/internal/config"
	"github.com/libris/libris/internal/models"
	"github.com/sirupsen/logrus"
)

type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// JWTService signs and verifies access and refresh tokens. It holds no
// mutable state and never touches the security store.
type JWTService struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
	logger        *logrus.Logger
}

type JWTOption func(*JWTService)

// WithClock replaces time.Now for issuing and validating tokens.
func WithClock(now func() time.Time) JWTOption {
	return func(s *JWTService) {
		s.now = now
	}
}

func NewJWTService(cfg *config.JWTConfig, logger *logrus.Logger, opts ...JWTOption) (*JWTService, error) {
	if len(cfg.AccessSecret) < 32 || len(cfg.RefreshSecret) < 32 {
		return nil, fmt.Errorf("secret keys must be at least 32 bytes")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}

	s := &JWTService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		issuer:        cfg.Issuer,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type AccessClaims struct {
	Email        string    `json:"email"`
	TokenVersion int       `json:"tv"`
	Type         TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

func (c *AccessClaims) Identity() models.Identity {
	return models.Identity{
		UserID:       c.Subject,
		Email:        c.Email,
		TokenVersion: c.TokenVersion,
	}
}

type RefreshClaims struct {
	FamilyID string    `json:"fid"`
	Type     TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

func (c *RefreshClaims) UserID() string {
	return c.Subject
}

func (s *JWTService) AccessExpiry() time.Duration {
	return s.accessExpiry
}

func (s *JWTService) RefreshExpiry() time.Duration {
	return s.refreshExpiry
}

// NewFamilyID starts a new session lineage.
func NewFamilyID() string {
	return uuid.New().String()
}

func (s *JWTService) IssueAccess(identity models.Identity) (string, time.Time, error) {
	if identity.UserID == "" {
		return "", time.Time{}, fmt.Errorf("access token requires a user id")
	}

	now := s.now()
	expiresAt := now.Add(s.accessExpiry)
	claims := &AccessClaims{
		Email:        identity.Email,
		TokenVersion: identity.TokenVersion,
		Type:         TokenKindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.accessSecret)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, expiresAt, nil
}

func (s *JWTService) IssueRefresh(userID, familyID string) (string, time.Time, error) {
	if userID == "" || familyID == "" {
		return "", time.Time{}, fmt.Errorf("refresh token requires a user id and family id")
	}

	now := s.now()
	expiresAt := now.Add(s.refreshExpiry)
	claims := &RefreshClaims{
		FamilyID: familyID,
		Type:     TokenKindRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.refreshSecret)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign refresh token")
		return "", time.Time{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return token, expiresAt, nil
}

// IssuePair mints a brand-new access and refresh token. Existing tokens are
// never modified.
func (s *JWTService) IssuePair(identity models.Identity, familyID string) (*models.TokenPair, error) {
	access, accessExp, err := s.IssueAccess(identity)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.IssueRefresh(identity.UserID, familyID)
	if err != nil {
		return nil, err
	}
	return &models.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *JWTService) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(tokenString, claims, s.accessSecret); err != nil {
		return nil, err
	}
	if claims.Type != TokenKindAccess || claims.Subject == "" {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidSignature)
	}
	return claims, nil
}

func (s *JWTService) VerifyRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(tokenString, claims, s.refreshSecret); err != nil {
		return nil, err
	}
	if claims.Type != TokenKindRefresh || claims.Subject == "" || claims.FamilyID == "" {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidSignature)
	}
	return claims, nil
}

func (s *JWTService) parse(tokenString string, claims jwt.Claims, secret []byte) error {
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
