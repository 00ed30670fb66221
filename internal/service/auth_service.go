package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/libris/libris/internal/models"
	"github.com/libris/libris/internal/repository"
	"github.com/libris/libris/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// dummyHash is compared against when the account does not exist so unknown
// emails take as long as wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("libris-dummy-password"), bcrypt.DefaultCost)

type AuthService struct {
	users    UserRepository
	store    store.SecurityStore
	sessions *RefreshService
	cost     int
	logger   *logrus.Logger
}

func NewAuthService(users UserRepository, securityStore store.SecurityStore, sessions *RefreshService, logger *logrus.Logger) *AuthService {
	return &AuthService{
		users:    users,
		store:    securityStore,
		sessions: sessions,
		cost:     bcrypt.DefaultCost,
		logger:   logger,
	}
}

// WithBcryptCost lowers hashing cost in tests.
func (s *AuthService) WithBcryptCost(cost int) *AuthService {
	s.cost = cost
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*models.User, *models.TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, nil, ErrInvalidInput
	}
	log := s.logger.WithField("email", email)

	locked, err := s.store.IsLocked(ctx, email)
	if err != nil {
		log.WithError(err).Error("Failed to check lockout")
		return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if locked {
		log.Info("Login attempt on locked account")
		return nil, nil, ErrAccountLocked
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		log.WithError(err).Error("Failed to load user")
		return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	hash := dummyHash
	if user != nil {
		hash = []byte(user.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || user == nil {
		rec, recErr := s.store.RecordFailedLogin(ctx, email)
		if recErr != nil {
			log.WithError(recErr).Error("Failed to record failed login")
			return nil, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, recErr)
		}
		log.WithField("failures", rec.Count).Info("Failed login")
		if !rec.LockedUntil.IsZero() {
			log.WithField("locked_until", rec.LockedUntil).Warn("Account locked after repeated failures")
		}
		return nil, nil, ErrInvalidCredentials
	}

	if err := s.store.ClearFailedLogins(ctx, email); err != nil {
		log.WithError(err).Warn("Failed to clear failed logins")
	}

	pair, err := s.sessions.StartSession(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	return user, pair, nil
}

func (s *AuthService) Register(ctx context.Context, email, name, password string) (*models.User, *models.TokenPair, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return nil, nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return nil, nil, ErrEmailTaken
		}
		s.logger.WithError(err).Error("Failed to create user")
		return nil, nil, err
	}

	s.logger.WithField("user_id", user.ID).Info("User registered")

	pair, err := s.sessions.StartSession(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Profile loads the user behind an access token. A token minted before the
// user's token version was bumped is rejected.
func (s *AuthService) Profile(ctx context.Context, identity models.Identity) (*models.User, error) {
	user, err := s.users.GetByID(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.TokenVersion != identity.TokenVersion {
		s.logger.WithField("user_id", user.ID).Info("Access token version is stale")
		return nil, ErrUnauthenticated
	}
	return user, nil
}
