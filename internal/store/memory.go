package store

import (
	"context"
	"sync"
	"time"

	"github.com/libris/libris/internal/models"
	"github.com/sirupsen/logrus"
)

type expiringSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// Memory is an in-process SecurityStore for tests and local development.
// It does not survive restarts.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	policy    LockoutPolicy
	familyTTL time.Duration

	blacklist map[string]time.Time
	families  map[string]*expiringSet
	revoked   map[string]time.Time
	failures  map[string]models.FailedLoginRecord
}

func NewMemory(policy LockoutPolicy, familyTTL time.Duration, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:       now,
		policy:    policy,
		familyTTL: familyTTL,
		blacklist: make(map[string]time.Time),
		families:  make(map[string]*expiringSet),
		revoked:   make(map[string]time.Time),
		failures:  make(map[string]models.FailedLoginRecord),
	}
}

func (m *Memory) IsBlacklisted(_ context.Context, tokenHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.blacklist[tokenHash]
	return ok && m.now().Before(exp), nil
}

func (m *Memory) Blacklist(_ context.Context, tokenHash string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.blacklist[tokenHash]; ok && now.Before(exp) {
		return false, nil
	}
	m.blacklist[tokenHash] = now.Add(clampTTL(ttl))
	return true, nil
}

func (m *Memory) RecordFamilyMember(_ context.Context, familyID, tokenHash string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.revoked[familyID]; ok && now.Before(exp) {
		return ErrFamilyRevoked
	}

	fam, ok := m.families[familyID]
	if !ok || !now.Before(fam.expiresAt) {
		fam = &expiringSet{members: make(map[string]struct{})}
		m.families[familyID] = fam
	}
	fam.members[tokenHash] = struct{}{}
	if exp := now.Add(clampTTL(ttl)); exp.After(fam.expiresAt) {
		fam.expiresAt = exp
	}
	return nil
}

func (m *Memory) FamilyHasMember(_ context.Context, familyID, tokenHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.revoked[familyID]; ok && now.Before(exp) {
		return false, nil
	}
	fam, ok := m.families[familyID]
	if !ok || !now.Before(fam.expiresAt) {
		return false, nil
	}
	_, member := fam.members[tokenHash]
	return member, nil
}

func (m *Memory) RevokeFamily(_ context.Context, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.families, familyID)
	m.revoked[familyID] = m.now().Add(clampTTL(m.familyTTL))
	return nil
}

func (m *Memory) RecordFailedLogin(_ context.Context, accountID string) (models.FailedLoginRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := NormalizeAccount(accountID)
	rec := m.failures[key]
	if staleFailures(rec, now, m.policy.Window) {
		rec = models.FailedLoginRecord{}
	}
	rec.Count++
	rec.LastAttemptAt = now
	if rec.Count >= m.policy.Threshold && !rec.Locked(now) {
		rec.LockedUntil = now.Add(m.policy.Duration)
	}
	m.failures[key] = rec
	return rec, nil
}

func (m *Memory) IsLocked(_ context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.failures[NormalizeAccount(accountID)]
	return ok && rec.Locked(m.now()), nil
}

func (m *Memory) ClearFailedLogins(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.failures, NormalizeAccount(accountID))
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, exp := range m.blacklist {
		if !now.Before(exp) {
			delete(m.blacklist, k)
			removed++
		}
	}
	for k, fam := range m.families {
		if !now.Before(fam.expiresAt) {
			delete(m.families, k)
			removed++
		}
	}
	for k, exp := range m.revoked {
		if !now.Before(exp) {
			delete(m.revoked, k)
			removed++
		}
	}
	for k, rec := range m.failures {
		if staleFailures(rec, now, m.policy.Window) {
			delete(m.failures, k)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logger.WithField("removed", n).Debug("Swept expired security state")
			}
		}
	}
}
