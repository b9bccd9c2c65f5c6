package services

import (
	"context"
	"strconv"
	"testing"
	"time"

	"challenge-ladder/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysAreOrderIndependent(t *testing.T) {
	assert.Equal(t, ChallengeKey(3, 12), ChallengeKey(12, 3))
	assert.Equal(t, "challenge:12:3", ChallengeKey(3, 12))
	assert.Equal(t, "challenge-warning:4:5", WarningKey(5, 4))
	assert.Equal(t, "warning-lock:4:5", WarningLockKey(4, 5))
	assert.Equal(t, "pair-lock:1:2", PairLockKey(2, 1))
	assert.Equal(t, "cooldown:alice:bob", CooldownKey("bob", "alice"))
	assert.Equal(t, "player-lock:u7", PlayerLockKey("u7"))
}

func TestParseKeys(t *testing.T) {
	a, b, ok := ParseChallengeKey("challenge:12:3")
	require.True(t, ok)
	assert.Equal(t, ChallengeKey(3, 12), ChallengeKey(a, b))

	_, _, ok = ParseChallengeKey("challenge-warning:3:4")
	assert.False(t, ok, "warning keys are not challenge keys")

	a, b, ok = ParseWarningKey("challenge-warning:3:4")
	require.True(t, ok)
	assert.Equal(t, []int{3, 4}, []int{a, b})

	for _, key := range []string{"challenge:3", "challenge:a:b", "challenge:0:4", "cooldown:u1:u2", "challenge:1:2:3"} {
		_, _, ok := ParseChallengeKey(key)
		assert.False(t, ok, key)
	}
}

func testRecord(a, b int) models.ChallengeRecord {
	return models.ChallengeRecord{
		Player1:       models.RecordPlayer{ExternalUserID: "u" + strconv.Itoa(a), Name: "Player " + strconv.Itoa(a), Rank: a},
		Player2:       models.RecordPlayer{ExternalUserID: "u" + strconv.Itoa(b), Name: "Player " + strconv.Itoa(b), Rank: b},
		ChallengeDate: "3/10, 3:00 PM EST",
		StartTime:     testNow.UnixMilli(),
		ExpiryTime:    testNow.Add(ChallengeLifetime).UnixMilli(),
	}
}

func TestSaveAndGetChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveChallenge(ctx, testRecord(5, 4), ChallengeLifetime))

	got, err := f.store.GetChallenge(ctx, 4, 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testRecord(5, 4), *got)

	assert.Equal(t, ChallengeLifetime, f.mr.TTL(ChallengeKey(4, 5)))
	assert.Equal(t, 48*time.Hour, f.mr.TTL(WarningKey(4, 5)))

	exists, err := f.store.ChallengeExists(ctx, 5, 4)
	require.NoError(t, err)
	assert.True(t, exists)

	ttl, err := f.store.ChallengeTTL(ctx, 5, 4)
	require.NoError(t, err)
	assert.Equal(t, ChallengeLifetime, ttl)

	missing, err := f.store.GetChallenge(ctx, 1, 2)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeleteChallengeRemovesCompanions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveChallenge(ctx, testRecord(5, 4), ChallengeLifetime))
	ok, err := f.store.AcquireWarningLock(ctx, 4, 5)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.store.DeleteChallenge(ctx, 4, 5))
	assert.False(t, f.mr.Exists(ChallengeKey(4, 5)))
	assert.False(t, f.mr.Exists(WarningKey(4, 5)))
	assert.False(t, f.mr.Exists(WarningLockKey(4, 5)))
}

func TestChallengeRecordExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveChallenge(ctx, testRecord(5, 4), ChallengeLifetime))

	f.mr.FastForward(48*time.Hour + time.Second)
	assert.False(t, f.mr.Exists(WarningKey(4, 5)), "warning fires first")
	assert.True(t, f.mr.Exists(ChallengeKey(4, 5)))

	f.mr.FastForward(24 * time.Hour)
	exists, err := f.store.ChallengeExists(ctx, 4, 5)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCooldowns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := models.CooldownRecord{
		Player1:    models.CooldownParty{ExternalUserID: "u9", Name: "Player 9"},
		Player2:    models.CooldownParty{ExternalUserID: "u7", Name: "Player 7"},
		StartTime:  testNow.UnixMilli(),
		ExpiryTime: testNow.Add(CooldownDuration).UnixMilli(),
	}
	require.NoError(t, f.store.SetCooldown(ctx, rec, CooldownDuration))

	got, remaining, err := f.store.GetCooldown(ctx, "u7", "u9")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)
	assert.Equal(t, CooldownDuration, remaining)

	list, err := f.store.ListCooldowns(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cooldown:u7:u9", list[0].Key)

	f.mr.FastForward(CooldownDuration)
	got, _, err = f.store.GetCooldown(ctx, "u9", "u7")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListChallenges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveChallenge(ctx, testRecord(5, 4), ChallengeLifetime))
	require.NoError(t, f.store.SaveChallenge(ctx, testRecord(15, 12), 10*time.Hour))
	require.NoError(t, f.mr.Set(ChallengeKey(8, 7), "{not json"))

	list, err := f.store.ListChallenges(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2, "unreadable records are skipped")
	assert.Equal(t, ChallengeKey(12, 15), list[0].Key)
	assert.Equal(t, 10*time.Hour, list[0].Remaining)
	assert.Equal(t, ChallengeKey(4, 5), list[1].Key)
}

func TestPlayerLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := ChallengeKey(5, 4)
	require.NoError(t, f.store.SetPlayerLocks(ctx, key, time.Hour, "u5", "", "u4"))

	lock, err := f.store.GetPlayerLock(ctx, "u4")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, models.PlayerLock{ExternalUserID: "u4", ChallengeKey: key}, *lock)
	assert.Equal(t, time.Hour, f.mr.TTL(PlayerLockKey("u5")))

	require.NoError(t, f.store.ClearPlayerLocks(ctx, "u4", "u5", ""))
	lock, err = f.store.GetPlayerLock(ctx, "u5")
	require.NoError(t, err)
	assert.Nil(t, lock)

	assert.NoError(t, f.store.ClearPlayerLocks(ctx))
}

func TestWarningLockIsTakenOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.store.AcquireWarningLock(ctx, 4, 5)
	require.NoError(t, err)
	second, err := f.store.AcquireWarningLock(ctx, 5, 4)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, WarningLockTTL, f.mr.TTL(WarningLockKey(4, 5)))
}

func TestPairLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.store.AcquirePairLock(ctx, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, PairLockTTL, f.mr.TTL(PairLockKey(4, 5)))

	_, err = f.store.AcquirePairLock(ctx, 5, 4)
	assert.ErrorIs(t, err, ErrPairLocked)

	release()
	assert.False(t, f.mr.Exists(PairLockKey(4, 5)))

	again, err := f.store.AcquirePairLock(ctx, 5, 4)
	require.NoError(t, err)
	again()
}

func TestPairLockReleaseKeepsForeignToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.store.AcquirePairLock(ctx, 4, 5)
	require.NoError(t, err)

	// the lock expired and someone else took it
	f.mr.FastForward(PairLockTTL)
	require.NoError(t, f.mr.Set(PairLockKey(4, 5), "other-token"))

	release()
	got, err := f.mr.Get(PairLockKey(4, 5))
	require.NoError(t, err)
	assert.Equal(t, "other-token", got)
}
