package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/libris/libris/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const recordMemberScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SADD", KEYS[2], ARGV[1])
local ttl = tonumber(ARGV[2])
if redis.call("PTTL", KEYS[2]) < ttl then
  redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`

const failedLoginScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local duration = tonumber(ARGV[4])

local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
local last = tonumber(redis.call("HGET", KEYS[1], "last") or "0")
local locked = tonumber(redis.call("HGET", KEYS[1], "locked_until") or "0")

if count > 0 and locked <= now and ((now - last) > window or locked > 0) then
  count = 0
  locked = 0
end

count = count + 1
if count >= threshold and locked <= now then
  locked = now + duration
end

redis.call("HSET", KEYS[1], "count", tostring(count), "last", tostring(now), "locked_until", tostring(locked))
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {count, locked}
`

var (
	recordMemberLua = redis.NewScript(recordMemberScript)
	failedLoginLua  = redis.NewScript(failedLoginScript)
)

// Redis keeps security state in Redis. Durability depends on the server's
// AOF/RDB configuration; every key carries a TTL so growth stays bounded.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	policy    LockoutPolicy
	familyTTL time.Duration
	now       func() time.Time
	logger    *logrus.Logger
}

func NewRedis(client redis.UniversalClient, prefix string, policy LockoutPolicy, familyTTL time.Duration, logger *logrus.Logger) *Redis {
	return &Redis{
		client:    client,
		prefix:    prefix,
		policy:    policy,
		familyTTL: familyTTL,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock overrides the clock used for lockout timestamps.
func (s *Redis) WithClock(now func() time.Time) *Redis {
	s.now = now
	return s
}

func (s *Redis) blacklistKey(hash string) string { return s.prefix + "bl:" + hash }
func (s *Redis) familyKey(id string) string      { return s.prefix + "fam:" + id }
func (s *Redis) revokedKey(id string) string     { return s.prefix + "famrev:" + id }
func (s *Redis) failuresKey(acct string) string  { return s.prefix + "lf:" + NormalizeAccount(acct) }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *Redis) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.blacklistKey(tokenHash)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return exists > 0, nil
}

func (s *Redis) Blacklist(ctx context.Context, tokenHash string, ttl time.Duration) (bool, error) {
	claimed, err := s.client.SetNX(ctx, s.blacklistKey(tokenHash), "1", clampTTL(ttl)).Result()
	if err != nil {
		s.logger.WithError(err).Error("Failed to blacklist token in Redis")
		return false, unavailable(err)
	}
	return claimed, nil
}

func (s *Redis) RecordFamilyMember(ctx context.Context, familyID, tokenHash string, ttl time.Duration) error {
	added, err := recordMemberLua.Run(ctx, s.client,
		[]string{s.revokedKey(familyID), s.familyKey(familyID)},
		tokenHash, clampTTL(ttl).Milliseconds(),
	).Int64()
	if err != nil {
		s.logger.WithError(err).Error("Failed to record family member in Redis")
		return unavailable(err)
	}
	if added == 0 {
		return ErrFamilyRevoked
	}
	return nil
}

func (s *Redis) FamilyHasMember(ctx context.Context, familyID, tokenHash string) (bool, error) {
	var revoked *redis.IntCmd
	var member *redis.BoolCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		revoked = pipe.Exists(ctx, s.revokedKey(familyID))
		member = pipe.SIsMember(ctx, s.familyKey(familyID), tokenHash)
		return nil
	})
	if err != nil {
		return false, unavailable(err)
	}
	return revoked.Val() == 0 && member.Val(), nil
}

func (s *Redis) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.revokedKey(familyID), strconv.FormatInt(s.now().Unix(), 10), clampTTL(s.familyTTL))
		pipe.Del(ctx, s.familyKey(familyID))
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("family_id", familyID).Error("Failed to revoke token family in Redis")
		return unavailable(err)
	}
	return nil
}

func (s *Redis) RecordFailedLogin(ctx context.Context, accountID string) (models.FailedLoginRecord, error) {
	now := s.now()
	keyTTL := s.policy.Window + s.policy.Duration

	res, err := failedLoginLua.Run(ctx, s.client,
		[]string{s.failuresKey(accountID)},
		now.UnixMilli(),
		s.policy.Window.Milliseconds(),
		s.policy.Threshold,
		s.policy.Duration.Milliseconds(),
		clampTTL(keyTTL).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return models.FailedLoginRecord{}, unavailable(err)
	}
	if len(res) != 2 {
		return models.FailedLoginRecord{}, unavailable(fmt.Errorf("unexpected script reply %v", res))
	}

	rec := models.FailedLoginRecord{
		Count:         int(res[0]),
		LastAttemptAt: now,
	}
	if res[1] > 0 {
		rec.LockedUntil = time.UnixMilli(res[1])
	}
	return rec, nil
}

func (s *Redis) IsLocked(ctx context.Context, accountID string) (bool, error) {
	lockedUntil, err := s.client.HGet(ctx, s.failuresKey(accountID), "locked_until").Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	return lockedUntil > s.now().UnixMilli(), nil
}

func (s *Redis) ClearFailedLogins(ctx context.Context, accountID string) error {
	if err := s.client.Del(ctx, s.failuresKey(accountID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}
