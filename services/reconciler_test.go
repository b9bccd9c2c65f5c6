package services

import (
	"context"
	"testing"
	"time"

	"challenge-ladder/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const staleStamp = "3/6, 2:00 PM EST"

func TestNullPair(t *testing.T) {
	f := newFixture(t, standardLadder()...)
	ctx := context.Background()

	_, err := f.svc.IssueChallenge(ctx, 5, 3, playerAs("u5"))
	require.NoError(t, err)

	nulled, err := f.rec.NullPair(ctx, 3, 5, NullReasonExpired)
	require.NoError(t, err)
	require.NotNil(t, nulled)
	assert.Equal(t, ChallengeKey(3, 5), nulled.Key)
	assert.Equal(t, NullReasonExpired, nulled.Reason)
	require.Len(t, nulled.Players, 2)
	assert.Equal(t, models.StatusChallenge, nulled.Players[0].Status, "players are reported as they were")

	for _, rank := range []int{3, 5} {
		p := f.player(t, rank)
		assert.Equal(t, models.StatusAvailable, p.Status)
		assert.Empty(t, p.ChallengeTimestamp)
		assert.Zero(t, p.OpponentRank)
	}
	assert.False(t, f.mr.Exists(ChallengeKey(3, 5)))
	assert.False(t, f.mr.Exists(PlayerLockKey("u3")))
	assert.False(t, f.mr.Exists(PlayerLockKey("u5")))

	last := f.notifier.announcements[len(f.notifier.announcements)-1]
	assert.Equal(t, "⌛ Challenge Auto-Nulled", last.Title)
	assert.ElementsMatch(t, []string{"u3", "u5"}, last.Mentions)

	writes := f.sheet.batches + f.sheet.updates
	again, err := f.rec.NullPair(ctx, 5, 3, NullReasonExpired)
	require.NoError(t, err)
	assert.Nil(t, again, "second null is a no-op")
	assert.Equal(t, writes, f.sheet.batches+f.sheet.updates)
}

func TestNullPairOneSided(t *testing.T) {
	rows := standardLadder()
	rows[4] = sheetRow(5, "Player 5", models.StatusChallenge, staleStamp, 3, "u5")
	rows[2] = sheetRow(3, "Player 3", models.StatusChallenge, staleStamp, 8, "u3")
	f := newFixture(t, rows...)

	nulled, err := f.rec.NullPair(context.Background(), 3, 5, NullReasonStale)
	require.NoError(t, err)
	require.NotNil(t, nulled)
	require.Len(t, nulled.Players, 1)
	assert.Equal(t, 5, nulled.Players[0].Rank)

	assert.Equal(t, models.StatusAvailable, f.player(t, 5).Status)
	assert.Equal(t, 8, f.player(t, 3).OpponentRank, "rows pointing elsewhere are left alone")
}

func TestNullPairWhileLocked(t *testing.T) {
	f := newFixture(t, standardLadder()...)
	ctx := context.Background()

	release, err := f.store.AcquirePairLock(ctx, 3, 5)
	require.NoError(t, err)
	defer release()

	_, err = f.rec.NullPair(ctx, 3, 5, NullReasonExpired)
	requireCode(t, err, CodeAlreadyProcessing)
}

func TestHandleExpiredChallenge(t *testing.T) {
	f := newFixture(t, standardLadder()...)
	ctx := context.Background()

	_, err := f.svc.IssueChallenge(ctx, 5, 3, playerAs("u5"))
	require.NoError(t, err)

	f.mr.FastForward(ChallengeLifetime)
	require.NoError(t, f.rec.HandleExpiredKey(ctx, ChallengeKey(3, 5)))

	assert.Equal(t, models.StatusAvailable, f.player(t, 3).Status)
	assert.Equal(t, models.StatusAvailable, f.player(t, 5).Status)
	assert.Contains(t, f.notifier.titles(), "⌛ Challenge Auto-Nulled")
}

func TestHandleExpiredChallengeStillStored(t *testing.T) {
	f := newFixture(t, standardLadder()...)
	ctx := context.Background()

	_, err := f.svc.IssueChallenge(ctx, 5, 3, playerAs("u5"))
	require.NoError(t, err)

	// an extension rewrote the record before the stale event was handled
	require.NoError(t, f.rec.HandleExpiredKey(ctx, ChallengeKey(3, 5)))
	assert.Equal(t, models.StatusChallenge, f.player(t, 3).Status)
	assert.NotContains(t, f.notifier.titles(), "⌛ Challenge Auto-Nulled")
}

func TestHandleExpiredWarning(t *testing.T) {
	f := newFixture(t, standardLadder()...)
	ctx := context.Background()

	_, err := f.svc.IssueChallenge(ctx, 5, 3, playerAs("u5"))
	require.NoError(t, err)

	f.mr.FastForward(48*time.Hour + time.Second)
	require.False(t, f.mr.Exists(WarningKey(3, 5)))

	require.NoError(t, f.rec.HandleExpiredKey(ctx, WarningKey(3, 5)))
	require.NoError(t, f.rec.HandleExpiredKey(ctx, WarningKey(3, 5)))

	var warnings []Announcement
	for _, a := range f.notifier.announcements {
		if a.Title == "⏰ 24 Hours Left" {
			warnings = append(warnings, a)
		}
	}
	require.Len(t, warnings, 1, "duplicate deliveries send one notice")
	assert.Contains(t, warnings[0].Description, "about 24 hour(s)")
	assert.ElementsMatch(t, []string{"u3", "u5"}, warnings[0].Mentions)
	assert.Equal(t, models.StatusChallenge, f.player(t, 3).Status, "a warning never nulls")
}

func TestHandleExpiredWarningAfterChallengeGone(t *testing.T) {
	f := newFixture(t, standardLadder()...)
	ctx := context.Background()

	require.NoError(t, f.rec.HandleExpiredKey(ctx, WarningKey(3, 5)))
	require.NoError(t, f.rec.HandleExpiredKey(ctx, "cooldown:u1:u2"))
	require.NoError(t, f.rec.HandleExpiredKey(ctx, "pair-lock:3:5"))
	assert.Empty(t, f.notifier.titles())
}

func sweepLadder() [][]string {
	rows := standardLadder()
	// stale pair
	rows[2] = sheetRow(3, "Player 3", models.StatusChallenge, staleStamp, 5, "u3")
	rows[4] = sheetRow(5, "Player 5", models.StatusChallenge, staleStamp, 3, "u5")
	// fresh pair
	rows[6] = sheetRow(7, "Player 7", models.StatusChallenge, issuedStamp, 9, "u7")
	rows[8] = sheetRow(9, "Player 9", models.StatusChallenge, issuedStamp, 7, "u9")
	// stale on one side, blank on the other
	rows[9] = sheetRow(10, "Player 10", models.StatusChallenge, staleStamp, 11, "u10")
	rows[10] = sheetRow(11, "Player 11", models.StatusChallenge, "", 10, "u11")
	// unreadable date
	rows[11] = sheetRow(12, "Player 12", models.StatusChallenge, "last week", 14, "u12")
	rows[13] = sheetRow(14, "Player 14", models.StatusChallenge, "last week", 12, "u14")
	// one-sided, fresh
	rows[15] = sheetRow(16, "Player 16", models.StatusChallenge, issuedStamp, 18, "u16")
	// no opponent
	rows[18] = sheetRow(19, "Player 19", models.StatusChallenge, issuedStamp, 0, "u19")
	return rows
}

func TestSweep(t *testing.T) {
	f := newFixture(t, sweepLadder()...)
	ctx := context.Background()
	require.NoError(t, f.store.SaveChallenge(ctx, testRecord(3, 5), MinRecordTTL))

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, report.Scanned)

	require.Len(t, report.Nullified, 1)
	assert.Equal(t, ChallengeKey(3, 5), report.Nullified[0].Key)
	assert.Equal(t, NullReasonStale, report.Nullified[0].Reason)

	require.Len(t, report.ParseIssues, 3, "every unreadable row is reported")
	assert.Equal(t, 11, report.ParseIssues[0].Rank)
	assert.Equal(t, "", report.ParseIssues[0].Timestamp)
	assert.Equal(t, 12, report.ParseIssues[1].Rank)
	assert.Equal(t, "last week", report.ParseIssues[1].Timestamp)
	assert.Equal(t, 14, report.ParseIssues[2].Rank)

	require.Len(t, report.IntegrityFaults, 2)
	assert.Equal(t, 16, report.IntegrityFaults[0].Rank)
	assert.Equal(t, 19, report.IntegrityFaults[1].Rank)
	assert.Empty(t, report.Skipped)

	assert.Equal(t, models.StatusAvailable, f.player(t, 3).Status)
	assert.Equal(t, models.StatusAvailable, f.player(t, 5).Status)
	assert.False(t, f.mr.Exists(ChallengeKey(3, 5)))
	assert.Equal(t, models.StatusChallenge, f.player(t, 7).Status)

	summary := f.notifier.announcements[len(f.notifier.announcements)-1]
	assert.Equal(t, "🧹 Sweep auto-nulled 1 stale challenge(s). 3 challenge date(s) on the ladder could not be read.", summary.Description)
	announced := len(f.notifier.announcements)
	assert.Equal(t, models.StatusChallenge, f.player(t, 10).Status, "a blank partner date holds the pair")
	assert.Equal(t, models.StatusChallenge, f.player(t, 11).Status)
	assert.Equal(t, models.StatusChallenge, f.player(t, 12).Status, "unparseable dates are never nulled")

	again, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Nullified)
	assert.Len(t, again.ParseIssues, 3)
	assert.Len(t, f.notifier.announcements, announced, "a sweep with nothing nulled stays quiet")
}

func TestSweepSkipsBusyPair(t *testing.T) {
	f := newFixture(t, sweepLadder()...)
	ctx := context.Background()

	release, err := f.store.AcquirePairLock(ctx, 3, 5)
	require.NoError(t, err)
	defer release()

	report, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Nullified)
	assert.Equal(t, []string{ChallengeKey(3, 5)}, report.Skipped)
	assert.Equal(t, models.StatusChallenge, f.player(t, 3).Status)
}

func TestSweepLadderUnavailable(t *testing.T) {
	f := newFixture(t, sweepLadder()...)
	f.sheet.readErr = errSheet

	_, err := f.rec.Sweep(context.Background())
	requireCode(t, err, CodeLadderUnavailable)
}

func TestAuditLadder(t *testing.T) {
	rows := standardLadder()
	rows[6] = sheetRow(7, "Player 7", models.StatusChallenge, issuedStamp, 9, "u7")
	rows[8] = sheetRow(9, "Player 9", models.StatusChallenge, issuedStamp, 7, "u9")
	rows[15] = sheetRow(16, "Player 16", models.StatusChallenge, issuedStamp, 18, "u16")
	f := newFixture(t, rows...)
	ctx := context.Background()

	_, err := f.svc.IssueChallenge(ctx, 5, 3, playerAs("u5"))
	require.NoError(t, err)
	require.NoError(t, f.store.SaveChallenge(ctx, testRecord(12, 11), ChallengeLifetime))

	report, err := f.rec.AuditLadder(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ChallengeKey(7, 9)}, report.MissingRecords)
	assert.Equal(t, []string{ChallengeKey(11, 12)}, report.OrphanRecords)
	require.Len(t, report.Faults, 1)
	assert.Equal(t, 16, report.Faults[0].Rank)
	assert.Equal(t, "opponent does not point back", report.Faults[0].Problem)
	assert.Equal(t, KindIntegrity, KindOf(report.Err()))
	assert.Equal(t, CodeIntegrityFaults, CodeOf(report.Err()))

	assert.NoError(t, (&AuditReport{MissingRecords: []string{ChallengeKey(7, 9)}}).Err(), "record drift alone is not a fault")
}
