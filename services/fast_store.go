package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"challenge-ladder/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	challengePrefix   = "challenge:"
	warningPrefix     = "challenge-warning:"
	warningLockPrefix = "warning-lock:"
	cooldownPrefix    = "cooldown:"
	playerLockPrefix  = "player-lock:"
	pairLockPrefix    = "pair-lock:"

	CooldownDuration = 24 * time.Hour
	WarningLockTTL   = 60 * time.Second
	PairLockTTL      = 30 * time.Second

	expiredChannelPattern = "__keyevent@*__:expired"
)

// ErrPairLocked is returned when another operation holds a pair's processing lock.
var ErrPairLocked = errors.New("pair is already being processed")

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func sortedPair(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// ChallengeKey is order independent: ChallengeKey(3, 7) == ChallengeKey(7, 3).
func ChallengeKey(rankA, rankB int) string {
	return challengePrefix + sortedPair(strconv.Itoa(rankA), strconv.Itoa(rankB))
}

func WarningKey(rankA, rankB int) string {
	return warningPrefix + sortedPair(strconv.Itoa(rankA), strconv.Itoa(rankB))
}

func WarningLockKey(rankA, rankB int) string {
	return warningLockPrefix + sortedPair(strconv.Itoa(rankA), strconv.Itoa(rankB))
}

func PairLockKey(rankA, rankB int) string {
	return pairLockPrefix + sortedPair(strconv.Itoa(rankA), strconv.Itoa(rankB))
}

func CooldownKey(idA, idB string) string {
	return cooldownPrefix + sortedPair(idA, idB)
}

func PlayerLockKey(externalUserID string) string {
	return playerLockPrefix + externalUserID
}

// ParseChallengeKey recovers the rank pair from a challenge key.
func ParseChallengeKey(key string) (int, int, bool) {
	return parseRankPair(key, challengePrefix)
}

// ParseWarningKey recovers the rank pair from a warning key.
func ParseWarningKey(key string) (int, int, bool) {
	return parseRankPair(key, warningPrefix)
}

func parseRankPair(key, prefix string) (int, int, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, 0, false
	}
	parts := strings.Split(strings.TrimPrefix(key, prefix), ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, errA := strconv.Atoi(parts[0])
	b, errB := strconv.Atoi(parts[1])
	if errA != nil || errB != nil || a <= 0 || b <= 0 {
		return 0, 0, false
	}
	return a, b, true
}

// ActiveChallenge is a stored challenge together with its remaining lifetime.
type ActiveChallenge struct {
	Key       string                 `json:"key"`
	Record    models.ChallengeRecord `json:"record"`
	Remaining time.Duration          `json:"remaining"`
}

// ActiveCooldown is a stored cooldown together with its remaining lifetime.
type ActiveCooldown struct {
	Key       string                `json:"key"`
	Record    models.CooldownRecord `json:"record"`
	Remaining time.Duration         `json:"remaining"`
}

// FastStore keeps challenge, warning, cooldown and lock records in Redis.
type FastStore struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewFastStore(rdb *redis.Client, log *zap.SugaredLogger) *FastStore {
	return &FastStore{rdb: rdb, log: log}
}

func (s *FastStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, raw, ttl).Err()
}

func (s *FastStore) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// KeysMatching lists keys under prefix using SCAN.
func (s *FastStore) KeysMatching(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// SaveChallenge writes the challenge and its warning atomically. Any
// previous warning for the pair is replaced.
func (s *FastStore) SaveChallenge(ctx context.Context, rec models.ChallengeRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	a, b := rec.Player1.Rank, rec.Player2.Rank
	key := ChallengeKey(a, b)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, raw, ttl)
		pipe.Set(ctx, WarningKey(a, b), key, WarningTTL(ttl))
		return nil
	})
	return err
}

// GetChallenge returns nil when no challenge exists for the pair.
func (s *FastStore) GetChallenge(ctx context.Context, rankA, rankB int) (*models.ChallengeRecord, error) {
	var rec models.ChallengeRecord
	ok, err := s.getJSON(ctx, ChallengeKey(rankA, rankB), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *FastStore) ChallengeExists(ctx context.Context, rankA, rankB int) (bool, error) {
	n, err := s.rdb.Exists(ctx, ChallengeKey(rankA, rankB)).Result()
	return n > 0, err
}

// ChallengeTTL returns the remaining lifetime, or a value <= 0 when the key
// is gone or has no expiry.
func (s *FastStore) ChallengeTTL(ctx context.Context, rankA, rankB int) (time.Duration, error) {
	return s.rdb.PTTL(ctx, ChallengeKey(rankA, rankB)).Result()
}

// DeleteChallenge removes the challenge, its warning and warning lock.
func (s *FastStore) DeleteChallenge(ctx context.Context, rankA, rankB int) error {
	return s.rdb.Del(ctx,
		ChallengeKey(rankA, rankB),
		WarningKey(rankA, rankB),
		WarningLockKey(rankA, rankB),
	).Err()
}

func (s *FastStore) ListChallenges(ctx context.Context) ([]ActiveChallenge, error) {
	keys, err := s.KeysMatching(ctx, challengePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]ActiveChallenge, 0, len(keys))
	for _, key := range keys {
		var rec models.ChallengeRecord
		ok, err := s.getJSON(ctx, key, &rec)
		if err != nil {
			s.log.Warnw("[FASTSTORE] skipping unreadable challenge record", "key", key, "err", err)
			continue
		}
		if !ok {
			continue
		}
		ttl, err := s.rdb.PTTL(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, ActiveChallenge{Key: key, Record: rec, Remaining: ttl})
	}
	return out, nil
}

func (s *FastStore) SetCooldown(ctx context.Context, rec models.CooldownRecord, ttl time.Duration) error {
	return s.setJSON(ctx, CooldownKey(rec.Player1.ExternalUserID, rec.Player2.ExternalUserID), rec, ttl)
}

// GetCooldown returns the cooldown between two identities and its remaining
// lifetime, or nil when none is active.
func (s *FastStore) GetCooldown(ctx context.Context, idA, idB string) (*models.CooldownRecord, time.Duration, error) {
	key := CooldownKey(idA, idB)
	var rec models.CooldownRecord
	ok, err := s.getJSON(ctx, key, &rec)
	if err != nil || !ok {
		return nil, 0, err
	}
	ttl, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return nil, 0, err
	}
	if ttl <= 0 {
		return nil, 0, nil
	}
	return &rec, ttl, nil
}

func (s *FastStore) ListCooldowns(ctx context.Context) ([]ActiveCooldown, error) {
	keys, err := s.KeysMatching(ctx, cooldownPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]ActiveCooldown, 0, len(keys))
	for _, key := range keys {
		var rec models.CooldownRecord
		ok, err := s.getJSON(ctx, key, &rec)
		if err != nil || !ok {
			continue
		}
		ttl, err := s.rdb.PTTL(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, ActiveCooldown{Key: key, Record: rec, Remaining: ttl})
	}
	return out, nil
}

// SetPlayerLocks points each identity at the challenge it is part of.
func (s *FastStore) SetPlayerLocks(ctx context.Context, challengeKey string, ttl time.Duration, externalUserIDs ...string) error {
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range externalUserIDs {
			if id == "" {
				continue
			}
			raw, err := json.Marshal(models.PlayerLock{ExternalUserID: id, ChallengeKey: challengeKey})
			if err != nil {
				return err
			}
			pipe.Set(ctx, PlayerLockKey(id), raw, ttl)
		}
		return nil
	})
	return err
}

func (s *FastStore) GetPlayerLock(ctx context.Context, externalUserID string) (*models.PlayerLock, error) {
	var lock models.PlayerLock
	ok, err := s.getJSON(ctx, PlayerLockKey(externalUserID), &lock)
	if err != nil || !ok {
		return nil, err
	}
	return &lock, nil
}

func (s *FastStore) ClearPlayerLocks(ctx context.Context, externalUserIDs ...string) error {
	var keys []string
	for _, id := range externalUserIDs {
		if id != "" {
			keys = append(keys, PlayerLockKey(id))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// AcquireWarningLock returns false when the 24h notice for this pair has
// already been claimed by another delivery.
func (s *FastStore) AcquireWarningLock(ctx context.Context, rankA, rankB int) (bool, error) {
	return s.rdb.SetNX(ctx, WarningLockKey(rankA, rankB), "1", WarningLockTTL).Result()
}

// AcquirePairLock takes the per-pair processing lock without waiting. The
// returned release func only deletes the lock if it still holds our token.
func (s *FastStore) AcquirePairLock(ctx context.Context, rankA, rankB int) (func(), error) {
	key := PairLockKey(rankA, rankB)
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, PairLockTTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPairLocked
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, s.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			s.log.Warnw("[FASTSTORE] failed to release pair lock", "key", key, "err", err)
		}
	}, nil
}

// EnableExpiryEvents turns on expired-key notifications. Managed Redis
// offerings often refuse CONFIG SET; the periodic sweep covers that case.
func (s *FastStore) EnableExpiryEvents(ctx context.Context) error {
	return s.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err()
}

// SubscribeExpirations subscribes to expired-key events on every database.
func (s *FastStore) SubscribeExpirations(ctx context.Context) *redis.PubSub {
	return s.rdb.PSubscribe(ctx, expiredChannelPattern)
}
