package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libris/libris/internal/models"
	"github.com/libris/libris/internal/store"
	"github.com/sirupsen/logrus"
)

// UserRepository is the slice of user persistence the services need.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
}

type RefreshResult struct {
	Pair *models.TokenPair
	User *models.User
}

// RefreshService rotates refresh tokens and detects replay of retired ones.
// It never signs tokens itself; JWTService does.
type RefreshService struct {
	jwt    *JWTService
	store  store.SecurityStore
	users  UserRepository
	logger *logrus.Logger
}

func NewRefreshService(jwt *JWTService, securityStore store.SecurityStore, users UserRepository, logger *logrus.Logger) *RefreshService {
	return &RefreshService{
		jwt:    jwt,
		store:  securityStore,
		users:  users,
		logger: logger,
	}
}

// StartSession opens a new token family for user.
func (s *RefreshService) StartSession(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	familyID := NewFamilyID()

	pair, err := s.jwt.IssuePair(user.Identity(), familyID)
	if err != nil {
		return nil, err
	}

	hash := store.HashToken(pair.RefreshToken)
	if err := s.store.RecordFamilyMember(ctx, familyID, hash, s.jwt.RefreshExpiry()); err != nil {
		s.logger.WithError(err).WithField("family_id", familyID).Error("Failed to record token family")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":   user.ID,
		"family_id": familyID,
	}).Info("Session started")

	return pair, nil
}

// Refresh exchanges a refresh token for a new pair in the same family. A
// token that was already rotated revokes the family and returns
// ErrTokenFamilyBreach.
func (s *RefreshService) Refresh(ctx context.Context, raw string) (*RefreshResult, error) {
	if raw == "" {
		return nil, ErrNoRefreshToken
	}

	claims, err := s.jwt.VerifyRefresh(raw)
	if err != nil {
		s.logger.WithError(err).Debug("Refresh token verification failed")
		return nil, ErrInvalidRefreshToken
	}

	log := s.logger.WithFields(logrus.Fields{
		"user_id":   claims.UserID(),
		"family_id": claims.FamilyID,
	})
	hash := store.HashToken(raw)

	blacklisted, err := s.store.IsBlacklisted(ctx, hash)
	if err != nil {
		return nil, s.storeFailure(log, err)
	}
	if blacklisted {
		log.Warn("Retired refresh token replayed, revoking family")
		return nil, s.breach(ctx, log, claims.FamilyID)
	}

	member, err := s.store.FamilyHasMember(ctx, claims.FamilyID, hash)
	if err != nil {
		return nil, s.storeFailure(log, err)
	}
	if !member {
		log.Info("Refresh token not in an active family")
		return nil, ErrInvalidRefreshToken
	}

	// All reads happen before the token is consumed so a failed lookup
	// leaves the token usable for a retry.
	user, err := s.users.GetByID(ctx, claims.UserID())
	if err != nil {
		log.WithError(err).Error("Failed to load user for refresh")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if user == nil {
		log.Info("Refresh token subject no longer exists")
		return nil, ErrInvalidRefreshToken
	}

	claimed, err := s.store.Blacklist(ctx, hash, s.remaining(claims))
	if err != nil {
		return nil, s.storeFailure(log, err)
	}
	if !claimed {
		log.Warn("Refresh token consumed concurrently, revoking family")
		return nil, s.breach(ctx, log, claims.FamilyID)
	}

	pair, err := s.jwt.IssuePair(user.Identity(), claims.FamilyID)
	if err != nil {
		return nil, err
	}

	err = s.store.RecordFamilyMember(ctx, claims.FamilyID, store.HashToken(pair.RefreshToken), s.jwt.RefreshExpiry())
	if errors.Is(err, store.ErrFamilyRevoked) {
		log.Info("Family revoked during rotation")
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, s.storeFailure(log, err)
	}

	log.Debug("Refresh token rotated")
	return &RefreshResult{Pair: pair, User: user}, nil
}

// EndSession retires raw and revokes its family. Failures are logged only;
// logout always succeeds from the client's point of view.
func (s *RefreshService) EndSession(ctx context.Context, raw string) {
	if raw == "" {
		return
	}

	claims, err := s.jwt.VerifyRefresh(raw)
	if err != nil {
		return
	}

	log := s.logger.WithFields(logrus.Fields{
		"user_id":   claims.UserID(),
		"family_id": claims.FamilyID,
	})

	if _, err := s.store.Blacklist(ctx, store.HashToken(raw), s.remaining(claims)); err != nil {
		log.WithError(err).Warn("Failed to blacklist refresh token on logout")
	}
	if err := s.store.RevokeFamily(ctx, claims.FamilyID); err != nil {
		log.WithError(err).Warn("Failed to revoke token family on logout")
		return
	}

	log.Info("Session ended")
}

func (s *RefreshService) remaining(claims *RefreshClaims) time.Duration {
	if claims.ExpiresAt == nil {
		return s.jwt.RefreshExpiry()
	}
	return claims.ExpiresAt.Time.Sub(s.jwt.now())
}

func (s *RefreshService) breach(ctx context.Context, log *logrus.Entry, familyID string) error {
	if err := s.store.RevokeFamily(ctx, familyID); err != nil {
		log.WithError(err).Error("Failed to revoke breached token family")
	}
	return ErrTokenFamilyBreach
}

func (s *RefreshService) storeFailure(log *logrus.Entry, err error) error {
	log.WithError(err).Error("Security store unavailable")
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
