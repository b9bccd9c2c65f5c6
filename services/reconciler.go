package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"challenge-ladder/models"

	"go.uber.org/zap"
)

const (
	NullReasonExpired = "expired"
	NullReasonStale   = "stale"
)

// NulledPair describes one challenge that was auto-nulled. Players hold the
// rows as they were before the reset.
type NulledPair struct {
	Key     string             `json:"key"`
	Players []models.PlayerRow `json:"players"`
	Reason  string             `json:"reason"`
}

// ParseIssue is a Challenge row whose date could not be read. Such rows are
// never nulled by the sweep.
type ParseIssue struct {
	Rank        int    `json:"rank"`
	DisplayName string `json:"display_name"`
	Timestamp   string `json:"timestamp"`
	Error       string `json:"error"`
}

// IntegrityFault is a pairing problem found on the ladder. Faults are
// reported, never corrected automatically.
type IntegrityFault struct {
	Rank         int    `json:"rank"`
	DisplayName  string `json:"display_name"`
	OpponentRank int    `json:"opponent_rank,omitempty"`
	Problem      string `json:"problem"`
}

type SweepReport struct {
	Scanned         int              `json:"scanned"`
	Nullified       []NulledPair     `json:"nullified"`
	ParseIssues     []ParseIssue     `json:"parse_issues"`
	IntegrityFaults []IntegrityFault `json:"integrity_faults"`
	Skipped         []string         `json:"skipped,omitempty"`
}

type AuditReport struct {
	Faults []IntegrityFault `json:"faults"`
	// Pairs in Challenge on the ladder with no fast-store record.
	MissingRecords []string `json:"missing_records"`
	// Fast-store records whose pair is not in Challenge on the ladder.
	OrphanRecords []string `json:"orphan_records"`
}

// Err reports broken pairings as an integrity error. Record drift alone is
// informational; the sweep and expiry events settle it.
func (a *AuditReport) Err() error {
	if len(a.Faults) == 0 {
		return nil
	}
	return integrityError("The ladder has %d broken pairing(s); a moderator needs to fix them on the sheet.", len(a.Faults))
}

// Reconciler auto-nulls expired challenges, either from fast-store expiry
// events or from a sweep over the ladder. Both paths end in NullPair.
type Reconciler struct {
	ladder   *Ladder
	store    *FastStore
	notifier Notifier
	clock    *ChallengeClock
	log      *zap.SugaredLogger
}

func NewReconciler(ladder *Ladder, store *FastStore, notifier Notifier, clock *ChallengeClock, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{ladder: ladder, store: store, notifier: notifier, clock: clock, log: log}
}

// NullPair resets a challenge between two ranks back to Available. Only rows
// that actually point at the other rank are touched, so a second call for the
// same pair finds nothing and returns (nil, nil).
func (r *Reconciler) NullPair(ctx context.Context, rankA, rankB int, reason string) (*NulledPair, error) {
	release, err := lockPair(ctx, r.store, rankA, rankB)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := r.ladder.Rows(ctx)
	if err != nil {
		return nil, ladderStoreError(err)
	}

	a, okA := FindByRank(rows, rankA)
	b, okB := FindByRank(rows, rankB)
	var before []models.PlayerRow
	if okA && okB {
		if a.PairedWith(b) {
			before = append(before, a)
		}
		if b.PairedWith(a) {
			before = append(before, b)
		}
	}

	key := ChallengeKey(rankA, rankB)
	if len(before) == 0 {
		if err := r.store.DeleteChallenge(ctx, rankA, rankB); err != nil {
			r.log.Warnw("[RECONCILE] residual cleanup failed", "pair", key, "err", err)
		}
		return nil, nil
	}

	reset := make([]models.PlayerRow, len(before))
	ids := make([]string, 0, len(before))
	for i, p := range before {
		p.ClearChallenge()
		reset[i] = p
		ids = append(ids, p.ExternalUserID)
	}
	if err := r.ladder.WriteRows(ctx, reset...); err != nil {
		r.log.Errorw("[RECONCILE] ❌ failed to reset expired challenge", "pair", key, "err", err)
		return nil, ladderStoreError(err)
	}

	if err := r.store.DeleteChallenge(ctx, rankA, rankB); err != nil {
		r.log.Warnw("[RECONCILE] failed to delete challenge records", "pair", key, "err", err)
	}
	if err := r.store.ClearPlayerLocks(ctx, ids...); err != nil {
		r.log.Warnw("[RECONCILE] failed to clear player locks", "pair", key, "err", err)
	}

	r.log.Infow("[RECONCILE] ✅ challenge auto-nulled", "pair", key, "reason", reason)
	names := make([]string, len(before))
	for i, p := range before {
		names[i] = fmt.Sprintf("#%d %s", p.Rank, p.DisplayName)
	}
	desc := fmt.Sprintf("The challenge between %s was not played within 3 days and has been auto-nulled.", joinNames(names))
	if err := r.notifier.AnnounceEmbed(ctx, Announcement{
		Title:       "⌛ Challenge Auto-Nulled",
		Description: desc,
		Color:       ColorNulled,
		Mentions:    ids,
	}); err != nil {
		r.log.Warnw("[RECONCILE] auto-null announcement failed", "pair", key, "err", err)
	}

	return &NulledPair{Key: key, Players: before, Reason: reason}, nil
}

func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return names[0] + " and " + names[1]
	}
}

// HandleExpiredKey reacts to one fast-store expiry event. Unknown keys
// (cooldowns, locks) are ignored.
func (r *Reconciler) HandleExpiredKey(ctx context.Context, key string) error {
	if a, b, ok := ParseWarningKey(key); ok {
		return r.handleWarningExpired(ctx, a, b)
	}
	if a, b, ok := ParseChallengeKey(key); ok {
		return r.handleChallengeExpired(ctx, a, b)
	}
	return nil
}

func (r *Reconciler) handleWarningExpired(ctx context.Context, rankA, rankB int) error {
	rec, err := r.store.GetChallenge(ctx, rankA, rankB)
	if err != nil {
		return fastStoreError(err)
	}
	if rec == nil {
		r.log.Debugw("[EXPIRY] stale warning, challenge already gone", "pair", ChallengeKey(rankA, rankB))
		return nil
	}
	remaining, err := r.store.ChallengeTTL(ctx, rankA, rankB)
	if err != nil {
		return fastStoreError(err)
	}
	if remaining <= 0 {
		return nil
	}
	acquired, err := r.store.AcquireWarningLock(ctx, rankA, rankB)
	if err != nil {
		return fastStoreError(err)
	}
	if !acquired {
		r.log.Debugw("[EXPIRY] duplicate warning delivery ignored", "pair", ChallengeKey(rankA, rankB))
		return nil
	}

	hours := int(remaining.Round(time.Hour) / time.Hour)
	desc := fmt.Sprintf("#%d %s vs #%d %s has about %d hour(s) left before it is auto-nulled.",
		rec.Player1.Rank, rec.Player1.Name, rec.Player2.Rank, rec.Player2.Name, hours)
	r.log.Infow("[EXPIRY] ⏰ 24h warning sent", "pair", ChallengeKey(rankA, rankB))
	if err := r.notifier.AnnounceEmbed(ctx, Announcement{
		Title:       "⏰ 24 Hours Left",
		Description: desc,
		Color:       ColorWarning,
		Mentions:    []string{rec.Player1.ExternalUserID, rec.Player2.ExternalUserID},
	}); err != nil {
		r.log.Warnw("[EXPIRY] warning announcement failed", "pair", ChallengeKey(rankA, rankB), "err", err)
	}
	return nil
}

func (r *Reconciler) handleChallengeExpired(ctx context.Context, rankA, rankB int) error {
	exists, err := r.store.ChallengeExists(ctx, rankA, rankB)
	if err != nil {
		return fastStoreError(err)
	}
	if exists {
		// refreshed by an extension, or a late duplicate delivery
		return nil
	}
	_, err = r.NullPair(ctx, rankA, rankB, NullReasonExpired)
	return err
}

// pairingFaults lists Challenge rows whose pairing is not bidirectional.
func pairingFaults(rows []models.PlayerRow) []IntegrityFault {
	var faults []IntegrityFault
	for _, row := range rows {
		if !row.InChallenge() {
			continue
		}
		if row.OpponentRank == 0 {
			faults = append(faults, IntegrityFault{Rank: row.Rank, DisplayName: row.DisplayName, Problem: "in Challenge with no opponent rank"})
			continue
		}
		opp, ok := FindByRank(rows, row.OpponentRank)
		switch {
		case !ok:
			faults = append(faults, IntegrityFault{Rank: row.Rank, DisplayName: row.DisplayName, OpponentRank: row.OpponentRank, Problem: "opponent rank is not on the ladder"})
		case !opp.PairedWith(row):
			faults = append(faults, IntegrityFault{Rank: row.Rank, DisplayName: row.DisplayName, OpponentRank: row.OpponentRank, Problem: "opponent does not point back"})
		}
	}
	return faults
}

// Sweep scans the ladder and nulls every pair older than the challenge
// lifetime. Each unordered pair is handled once per pass.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	rows, err := r.ladder.Rows(ctx)
	if err != nil {
		r.log.Errorw("[SWEEP] ❌ ladder read failed", "err", err)
		return nil, ladderStoreError(err)
	}

	report := &SweepReport{
		Scanned:         len(rows),
		Nullified:       []NulledPair{},
		ParseIssues:     []ParseIssue{},
		IntegrityFaults: pairingFaults(rows),
	}
	ages := make(map[int]time.Duration)
	unreadable := make(map[int]bool)
	for _, row := range rows {
		if !row.InChallenge() {
			continue
		}
		age, err := r.clock.Age(row.ChallengeTimestamp)
		if err != nil {
			r.log.Warnw("[SWEEP] ⚠️ unparseable challenge date", "rank", row.Rank, "date", row.ChallengeTimestamp, "err", err)
			report.ParseIssues = append(report.ParseIssues, ParseIssue{
				Rank:        row.Rank,
				DisplayName: row.DisplayName,
				Timestamp:   row.ChallengeTimestamp,
				Error:       err.Error(),
			})
			unreadable[row.Rank] = true
			continue
		}
		ages[row.Rank] = age
	}

	seen := make(map[string]bool)
	for _, row := range rows {
		if !row.InChallenge() || row.OpponentRank == 0 {
			continue
		}
		key := ChallengeKey(row.Rank, row.OpponentRank)
		if seen[key] {
			continue
		}
		seen[key] = true

		// Both sides of a pair must read as stale; one unreadable date holds the pair.
		if unreadable[row.Rank] {
			continue
		}
		age := ages[row.Rank]
		if opp, ok := FindByRank(rows, row.OpponentRank); ok && opp.PairedWith(row) {
			if unreadable[opp.Rank] {
				continue
			}
			if oppAge := ages[opp.Rank]; oppAge < age {
				age = oppAge
			}
		}
		if age <= ChallengeLifetime {
			continue
		}

		nulled, err := r.NullPair(ctx, row.Rank, row.OpponentRank, NullReasonStale)
		if err != nil {
			var le *LadderError
			if errors.As(err, &le) && le.Code == CodeAlreadyProcessing {
				r.log.Infow("[SWEEP] pair busy, leaving for next pass", "pair", key)
			} else {
				r.log.Errorw("[SWEEP] ❌ failed to null pair", "pair", key, "err", err)
			}
			report.Skipped = append(report.Skipped, key)
			continue
		}
		if nulled != nil {
			report.Nullified = append(report.Nullified, *nulled)
		}
	}

	if len(report.Nullified) > 0 {
		summary := fmt.Sprintf("🧹 Sweep auto-nulled %d stale challenge(s).", len(report.Nullified))
		if n := len(report.ParseIssues); n > 0 {
			summary += fmt.Sprintf(" %d challenge date(s) on the ladder could not be read.", n)
		}
		if err := r.notifier.Announce(ctx, summary); err != nil {
			r.log.Warnw("[SWEEP] failed to post sweep summary", "err", err)
		}
	}

	r.log.Infow("[SWEEP] ✅ sweep finished",
		"scanned", report.Scanned,
		"nullified", len(report.Nullified),
		"parse_issues", len(report.ParseIssues),
		"integrity_faults", len(report.IntegrityFaults),
		"skipped", len(report.Skipped))
	return report, nil
}

// AuditLadder cross-checks ladder pairings against fast-store records.
func (r *Reconciler) AuditLadder(ctx context.Context) (*AuditReport, error) {
	rows, err := r.ladder.Rows(ctx)
	if err != nil {
		return nil, ladderStoreError(err)
	}
	active, err := r.store.ListChallenges(ctx)
	if err != nil {
		return nil, fastStoreError(err)
	}

	stored := make(map[string]bool, len(active))
	for _, c := range active {
		stored[c.Key] = true
	}

	report := &AuditReport{
		Faults:         pairingFaults(rows),
		MissingRecords: []string{},
		OrphanRecords:  []string{},
	}
	paired := make(map[string]bool)
	for _, row := range rows {
		if !row.InChallenge() || row.OpponentRank == 0 {
			continue
		}
		opp, ok := FindByRank(rows, row.OpponentRank)
		if !ok || !opp.PairedWith(row) {
			continue
		}
		key := ChallengeKey(row.Rank, row.OpponentRank)
		if paired[key] {
			continue
		}
		paired[key] = true
		if !stored[key] {
			report.MissingRecords = append(report.MissingRecords, key)
		}
	}
	for key := range stored {
		if !paired[key] {
			report.OrphanRecords = append(report.OrphanRecords, key)
		}
	}
	sort.Strings(report.MissingRecords)
	sort.Strings(report.OrphanRecords)
	return report, nil
}
