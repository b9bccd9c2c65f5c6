package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"challenge-ladder/models"

	"go.uber.org/zap"
)

// Requester is the chat user behind a command.
type Requester struct {
	ExternalUserID string
	Privileged     bool
}

// IssuedChallenge is returned by a successful IssueChallenge.
type IssuedChallenge struct {
	Challenger    models.PlayerRow `json:"challenger"`
	Target        models.PlayerRow `json:"target"`
	ChallengeDate string           `json:"challenge_date"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

type ExtendedChallenge struct {
	Player       models.PlayerRow `json:"player"`
	Opponent     models.PlayerRow `json:"opponent"`
	PreviousDate string           `json:"previous_date"`
	NewDate      string           `json:"new_date"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

type CancelledChallenge struct {
	Player          models.PlayerRow `json:"player"`
	Opponent        models.PlayerRow `json:"opponent"`
	OpponentCleared bool             `json:"opponent_cleared"`
}

// MatchReport carries both players' rows after the result was applied.
type MatchReport struct {
	Winner             models.PlayerRow `json:"winner"`
	Loser              models.PlayerRow `json:"loser"`
	WinnerPreviousRank int              `json:"winner_previous_rank"`
	LoserPreviousRank  int              `json:"loser_previous_rank"`
	Climb              bool             `json:"climb"`
	TitleDefense       bool             `json:"title_defense"`
}

// ChallengeService moves pairs of players through Available → Challenge →
// Available. The ladder is written first and is authoritative; fast-store
// writes that follow a successful ladder write are best effort.
type ChallengeService struct {
	ladder   *Ladder
	store    *FastStore
	notifier Notifier
	stats    MatchRecorder
	clock    *ChallengeClock
	log      *zap.SugaredLogger
}

// NewChallengeService wires the lifecycle manager. stats may be nil.
func NewChallengeService(ladder *Ladder, store *FastStore, notifier Notifier, stats MatchRecorder, clock *ChallengeClock, log *zap.SugaredLogger) *ChallengeService {
	return &ChallengeService{
		ladder:   ladder,
		store:    store,
		notifier: notifier,
		stats:    stats,
		clock:    clock,
		log:      log,
	}
}

func (s *ChallengeService) readLadder(ctx context.Context) ([]models.PlayerRow, error) {
	rows, err := s.ladder.Rows(ctx)
	if err != nil {
		s.log.Errorw("[CHALLENGE] ❌ ladder read failed", "err", err)
		return nil, ladderStoreError(err)
	}
	return rows, nil
}

func lockPair(ctx context.Context, store *FastStore, rankA, rankB int) (func(), error) {
	release, err := store.AcquirePairLock(ctx, rankA, rankB)
	if errors.Is(err, ErrPairLocked) {
		return nil, conflictError(CodeAlreadyProcessing,
			"The challenge between #%d and #%d is already being processed. Try again in a moment.", rankA, rankB)
	}
	if err != nil {
		return nil, fastStoreError(err)
	}
	return release, nil
}

func (s *ChallengeService) announce(ctx context.Context, a Announcement) {
	if err := s.notifier.AnnounceEmbed(ctx, a); err != nil {
		s.log.Warnw("[CHALLENGE] announcement failed", "title", a.Title, "err", err)
	}
}

func newChallengeRecord(a, b models.PlayerRow, date string, start time.Time, ttl time.Duration, now time.Time) models.ChallengeRecord {
	return models.ChallengeRecord{
		Player1:       models.RecordPlayer{ExternalUserID: a.ExternalUserID, Name: a.DisplayName, Rank: a.Rank},
		Player2:       models.RecordPlayer{ExternalUserID: b.ExternalUserID, Name: b.DisplayName, Rank: b.Rank},
		ChallengeDate: date,
		StartTime:     start.UnixMilli(),
		ExpiryTime:    now.Add(ttl).UnixMilli(),
	}
}

// IssueChallenge validates and creates a challenge from challengerRank to
// targetRank. Checks run in a fixed order and the first failure is returned.
func (s *ChallengeService) IssueChallenge(ctx context.Context, challengerRank, targetRank int, req Requester) (*IssuedChallenge, error) {
	if challengerRank <= targetRank {
		return nil, PolicyDecision{Reason: PolicyInvalidDirection}.Err(challengerRank, targetRank)
	}

	release, err := lockPair(ctx, s.store, challengerRank, targetRank)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.readLadder(ctx)
	if err != nil {
		return nil, err
	}

	if d := EvaluateChallenge(rows, challengerRank, targetRank); !d.Allowed {
		return nil, d.Err(challengerRank, targetRank)
	}

	challenger, ok := FindByRank(rows, challengerRank)
	if !ok {
		return nil, notFoundError("No player holds rank #%d.", challengerRank)
	}
	target, ok := FindByRank(rows, targetRank)
	if !ok {
		return nil, notFoundError("No player holds rank #%d.", targetRank)
	}

	if !req.Privileged && req.ExternalUserID != challenger.ExternalUserID {
		return nil, validationError(CodeNotAuthorized,
			"Only %s or a moderator can issue a challenge for rank #%d.", challenger.DisplayName, challengerRank)
	}

	cooldown, remaining, err := s.store.GetCooldown(ctx, challenger.ExternalUserID, target.ExternalUserID)
	if err != nil {
		return nil, fastStoreError(err)
	}
	if cooldown != nil {
		hours := int(math.Ceil(remaining.Seconds() / 3600))
		return nil, validationError(CodeCooldownActive,
			"%s and %s played recently and cannot challenge each other for another %d hour(s).",
			challenger.DisplayName, target.DisplayName, hours)
	}

	exists, err := s.store.ChallengeExists(ctx, challengerRank, targetRank)
	if err != nil {
		return nil, fastStoreError(err)
	}
	if exists {
		return nil, conflictError(CodeChallengeExists,
			"A challenge between #%d and #%d already exists.", challengerRank, targetRank)
	}

	for _, p := range []models.PlayerRow{challenger, target} {
		if p.Status != models.StatusAvailable {
			return nil, validationError(CodePlayerNotAvailable,
				"#%d %s is not available (status: %s).", p.Rank, p.DisplayName, p.Status)
		}
	}

	for _, r := range rows {
		if !r.InChallenge() || r.Rank == challengerRank || r.Rank == targetRank {
			continue
		}
		if r.OpponentRank == challengerRank || r.OpponentRank == targetRank {
			return nil, conflictError(CodeAlreadyChallenged,
				"Rank #%d is already being challenged by #%d %s.", r.OpponentRank, r.Rank, r.DisplayName)
		}
	}

	now := s.clock.Now()
	stamp := s.clock.Format(now)
	for _, p := range []*models.PlayerRow{&challenger, &target} {
		p.Status = models.StatusChallenge
		p.ChallengeTimestamp = stamp
	}
	challenger.OpponentRank = target.Rank
	target.OpponentRank = challenger.Rank

	if err := s.ladder.WriteRows(ctx, challenger, target); err != nil {
		s.log.Errorw("[CHALLENGE] ❌ failed to write challenge to ladder",
			"challenger", challengerRank, "target", targetRank, "err", err)
		return nil, ladderStoreError(err)
	}

	ttl, perr := s.clock.ChallengeTTL(stamp)
	if perr != nil {
		s.log.Warnw("[CHALLENGE] freshly formatted date did not parse, using full lifetime", "date", stamp, "err", perr)
	}
	key := ChallengeKey(challengerRank, targetRank)
	if err := s.store.SaveChallenge(ctx, newChallengeRecord(challenger, target, stamp, now, ttl, now), ttl); err != nil {
		s.log.Warnw("[CHALLENGE] ⚠️ ladder updated but challenge record not stored", "pair", key, "err", err)
	}
	if err := s.store.SetPlayerLocks(ctx, key, ttl, challenger.ExternalUserID, target.ExternalUserID); err != nil {
		s.log.Warnw("[CHALLENGE] failed to set player locks", "pair", key, "err", err)
	}

	s.log.Infow("[CHALLENGE] ✅ challenge issued", "pair", key, "date", stamp, "requested_by", req.ExternalUserID)

	s.announce(ctx, Announcement{
		Title:       "⚔️ New Challenge",
		Description: fmt.Sprintf("#%d %s has challenged #%d %s!", challenger.Rank, challenger.DisplayName, target.Rank, target.DisplayName),
		Color:       ColorChallenge,
		Fields: []AnnouncementField{
			{Name: "Issued", Value: stamp, Inline: true},
			{Name: "Auto-null after", Value: "3 days", Inline: true},
		},
	})
	for _, p := range []models.PlayerRow{challenger, target} {
		if p.ExternalUserID == "" || p.ExternalUserID == req.ExternalUserID {
			continue
		}
		msg := fmt.Sprintf("you are in a ladder challenge: #%d %s vs #%d %s. Play within 3 days.",
			challenger.Rank, challenger.DisplayName, target.Rank, target.DisplayName)
		if err := s.notifier.Mention(ctx, p.ExternalUserID, msg); err != nil {
			s.log.Warnw("[CHALLENGE] could not notify player", "user", p.ExternalUserID, "err", err)
		}
	}

	return &IssuedChallenge{
		Challenger:    challenger,
		Target:        target,
		ChallengeDate: stamp,
		ExpiresAt:     now.Add(ttl),
	}, nil
}

type pairSnapshot struct {
	rows          []models.PlayerRow
	player        models.PlayerRow
	opponent      models.PlayerRow
	opponentFound bool
}

func resolvePair(rows []models.PlayerRow, player models.PlayerRow, mutual bool) (*pairSnapshot, error) {
	if !player.InChallenge() || player.OpponentRank == 0 {
		return nil, validationError(CodeNotInChallenge, "#%d %s is not in an active challenge.", player.Rank, player.DisplayName)
	}
	opp, found := FindByRank(rows, player.OpponentRank)
	if mutual {
		if !found {
			return nil, notFoundError("Opponent rank #%d of %s is not on the ladder.", player.OpponentRank, player.DisplayName)
		}
		if !opp.PairedWith(player) {
			return nil, conflictError(CodeInvalidPair,
				"#%d %s and #%d %s are not paired with each other.", player.Rank, player.DisplayName, opp.Rank, opp.DisplayName)
		}
	}
	return &pairSnapshot{rows: rows, player: player, opponent: opp, opponentFound: found}, nil
}

// lockResolvedPair finds the pair query belongs to, takes its lock and
// re-reads the ladder so the returned rows are current under the lock.
func (s *ChallengeService) lockResolvedPair(ctx context.Context, query string, mutual bool) (*pairSnapshot, func(), error) {
	rows, err := s.readLadder(ctx)
	if err != nil {
		return nil, nil, err
	}
	player, err := FindPlayer(rows, query)
	if err != nil {
		return nil, nil, err
	}
	first, err := resolvePair(rows, player, mutual)
	if err != nil {
		return nil, nil, err
	}

	release, err := lockPair(ctx, s.store, first.player.Rank, first.player.OpponentRank)
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.readLadder(ctx)
	if err != nil {
		release()
		return nil, nil, err
	}
	current, ok := FindByRank(rows, first.player.Rank)
	if !ok || current.ExternalUserID != first.player.ExternalUserID || current.OpponentRank != first.player.OpponentRank {
		release()
		return nil, nil, conflictError(CodeAlreadyProcessing,
			"The challenge for #%d changed while it was being processed. Try again.", first.player.Rank)
	}
	snap, err := resolvePair(rows, current, mutual)
	if err != nil {
		release()
		return nil, nil, err
	}
	return snap, release, nil
}

// ExtendChallenge pushes a challenge's date forward by ExtensionLength and
// refreshes its fast-store records. Moderators only.
func (s *ChallengeService) ExtendChallenge(ctx context.Context, rankOrName string, req Requester) (*ExtendedChallenge, error) {
	if !req.Privileged {
		return nil, validationError(CodeNotAuthorized, "Only moderators can extend challenges.")
	}

	snap, release, err := s.lockResolvedPair(ctx, rankOrName, true)
	if err != nil {
		return nil, err
	}
	defer release()

	player, opp := snap.player, snap.opponent
	previous := player.ChallengeTimestamp
	issued, suffix, err := s.clock.Parse(previous)
	if err != nil {
		s.log.Warnw("[CHALLENGE] unparseable challenge date", "rank", player.Rank, "date", previous, "err", err)
		return nil, validationError(CodeUnparseableDate,
			"The challenge date %q for #%d %s could not be read; fix it on the ladder first.", previous, player.Rank, player.DisplayName)
	}

	extended := s.clock.FormatWithSuffix(issued.Add(ExtensionLength), suffix)
	player.ChallengeTimestamp = extended
	opp.ChallengeTimestamp = extended
	if err := s.ladder.WriteRows(ctx, player, opp); err != nil {
		s.log.Errorw("[CHALLENGE] ❌ failed to write extension", "rank", player.Rank, "err", err)
		return nil, ladderStoreError(err)
	}

	now := s.clock.Now()
	ttl, perr := s.clock.ChallengeTTL(extended)
	if perr != nil {
		s.log.Warnw("[CHALLENGE] extended date did not parse, using full lifetime", "date", extended, "err", perr)
	}

	key := ChallengeKey(player.Rank, opp.Rank)
	rec := newChallengeRecord(player, opp, extended, issued, ttl, now)
	if existing, err := s.store.GetChallenge(ctx, player.Rank, opp.Rank); err != nil {
		s.log.Warnw("[CHALLENGE] could not read existing challenge record", "pair", key, "err", err)
	} else if existing != nil {
		rec.StartTime = existing.StartTime
	}
	if err := s.store.DeleteChallenge(ctx, player.Rank, opp.Rank); err != nil {
		s.log.Warnw("[CHALLENGE] failed to drop old challenge records", "pair", key, "err", err)
	}
	if err := s.store.SaveChallenge(ctx, rec, ttl); err != nil {
		s.log.Warnw("[CHALLENGE] ⚠️ ladder extended but challenge record not refreshed", "pair", key, "err", err)
	}
	if err := s.store.SetPlayerLocks(ctx, key, ttl, player.ExternalUserID, opp.ExternalUserID); err != nil {
		s.log.Warnw("[CHALLENGE] failed to refresh player locks", "pair", key, "err", err)
	}

	s.log.Infow("[CHALLENGE] ✅ challenge extended", "pair", key, "from", previous, "to", extended)
	s.announce(ctx, Announcement{
		Title: "⏳ Challenge Extended",
		Description: fmt.Sprintf("#%d %s vs #%d %s has been extended by 2 days.",
			player.Rank, player.DisplayName, opp.Rank, opp.DisplayName),
		Color:  ColorChallenge,
		Fields: []AnnouncementField{{Name: "New date", Value: extended, Inline: true}},
	})

	return &ExtendedChallenge{
		Player:       player,
		Opponent:     opp,
		PreviousDate: previous,
		NewDate:      extended,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

// CancelChallenge clears a challenge without a result. The opponent row is
// only cleared if it points back at the player. Moderators only.
func (s *ChallengeService) CancelChallenge(ctx context.Context, rankOrName string, req Requester) (*CancelledChallenge, error) {
	if !req.Privileged {
		return nil, validationError(CodeNotAuthorized, "Only moderators can cancel challenges.")
	}

	snap, release, err := s.lockResolvedPair(ctx, rankOrName, false)
	if err != nil {
		return nil, err
	}
	defer release()

	before := snap.player
	player, opp := snap.player, snap.opponent
	player.ClearChallenge()
	toWrite := []models.PlayerRow{player}
	oppCleared := false
	if snap.opponentFound && opp.PairedWith(before) {
		opp.ClearChallenge()
		toWrite = append(toWrite, opp)
		oppCleared = true
	} else {
		s.log.Warnw("[CHALLENGE] ⚠️ integrity: opponent does not point back, clearing one side only",
			"rank", before.Rank, "opponent_rank", before.OpponentRank)
	}

	if err := s.ladder.WriteRows(ctx, toWrite...); err != nil {
		s.log.Errorw("[CHALLENGE] ❌ failed to write cancellation", "rank", before.Rank, "err", err)
		return nil, ladderStoreError(err)
	}

	if err := s.store.DeleteChallenge(ctx, before.Rank, before.OpponentRank); err != nil {
		s.log.Warnw("[CHALLENGE] failed to delete challenge records", "pair", ChallengeKey(before.Rank, before.OpponentRank), "err", err)
	}
	ids := []string{player.ExternalUserID}
	if oppCleared {
		ids = append(ids, opp.ExternalUserID)
	}
	if err := s.store.ClearPlayerLocks(ctx, ids...); err != nil {
		s.log.Warnw("[CHALLENGE] failed to clear player locks", "err", err)
	}

	s.log.Infow("[CHALLENGE] ✅ challenge cancelled", "rank", before.Rank, "opponent_rank", before.OpponentRank, "by", req.ExternalUserID)
	oppName := fmt.Sprintf("#%d", before.OpponentRank)
	if snap.opponentFound {
		oppName = fmt.Sprintf("#%d %s", opp.Rank, opp.DisplayName)
	}
	s.announce(ctx, Announcement{
		Title:       "🚫 Challenge Cancelled",
		Description: fmt.Sprintf("The challenge between #%d %s and %s was cancelled by a moderator.", before.Rank, before.DisplayName, oppName),
		Color:       ColorCancelled,
	})

	return &CancelledChallenge{Player: player, Opponent: opp, OpponentCleared: oppCleared}, nil
}

// ReportResult applies a match result. A win by the lower-placed player
// exchanges the two rows' ranks; notes stay with the player, not the slot.
func (s *ChallengeService) ReportResult(ctx context.Context, winnerRank, loserRank int, req Requester) (*MatchReport, error) {
	if winnerRank <= 0 || loserRank <= 0 || winnerRank == loserRank {
		return nil, validationError(CodeInvalidReport, "Winner and loser must be two different ranks.")
	}

	release, err := lockPair(ctx, s.store, winnerRank, loserRank)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.readLadder(ctx)
	if err != nil {
		return nil, err
	}
	winner, ok := FindByRank(rows, winnerRank)
	if !ok {
		return nil, notFoundError("No player holds rank #%d.", winnerRank)
	}
	loser, ok := FindByRank(rows, loserRank)
	if !ok {
		return nil, notFoundError("No player holds rank #%d.", loserRank)
	}

	if !req.Privileged && req.ExternalUserID != winner.ExternalUserID && req.ExternalUserID != loser.ExternalUserID {
		return nil, validationError(CodeNotAuthorized, "Only the two players or a moderator can report this match.")
	}
	if !winner.InChallenge() || !loser.InChallenge() {
		return nil, validationError(CodeNotInChallenge,
			"#%d %s and #%d %s must both be in a challenge to report a result.", winner.Rank, winner.DisplayName, loser.Rank, loser.DisplayName)
	}
	if !winner.PairedWith(loser) || !loser.PairedWith(winner) {
		return nil, conflictError(CodeInvalidPair,
			"#%d %s and #%d %s are not challenging each other.", winner.Rank, winner.DisplayName, loser.Rank, loser.DisplayName)
	}

	climb := winner.Rank > loser.Rank
	newWinner, newLoser := winner, loser
	if climb {
		newWinner.Rank, newLoser.Rank = loser.Rank, winner.Rank
		newWinner.SheetRow, newLoser.SheetRow = loser.SheetRow, winner.SheetRow
	}
	newWinner.ClearChallenge()
	newLoser.ClearChallenge()

	if err := s.ladder.WriteRows(ctx, newWinner, newLoser); err != nil {
		s.log.Errorw("[CHALLENGE] ❌ failed to write match result", "winner", winnerRank, "loser", loserRank, "err", err)
		return nil, ladderStoreError(err)
	}

	now := s.clock.Now()
	key := ChallengeKey(winnerRank, loserRank)
	cooldown := models.CooldownRecord{
		Player1:    models.CooldownParty{ExternalUserID: winner.ExternalUserID, Name: winner.DisplayName},
		Player2:    models.CooldownParty{ExternalUserID: loser.ExternalUserID, Name: loser.DisplayName},
		StartTime:  now.UnixMilli(),
		ExpiryTime: now.Add(CooldownDuration).UnixMilli(),
	}
	if err := s.store.SetCooldown(ctx, cooldown, CooldownDuration); err != nil {
		s.log.Warnw("[CHALLENGE] ⚠️ result applied but cooldown not stored", "pair", key, "err", err)
	}
	if err := s.store.DeleteChallenge(ctx, winnerRank, loserRank); err != nil {
		s.log.Warnw("[CHALLENGE] failed to delete challenge records", "pair", key, "err", err)
	}
	if err := s.store.ClearPlayerLocks(ctx, winner.ExternalUserID, loser.ExternalUserID); err != nil {
		s.log.Warnw("[CHALLENGE] failed to clear player locks", "pair", key, "err", err)
	}

	titleDefense := !climb && winner.Rank == 1
	if s.stats != nil {
		outcome := MatchOutcome{
			WinnerBefore: winner,
			LoserBefore:  loser,
			WinnerAfter:  newWinner,
			LoserAfter:   newLoser,
			Climb:        climb,
			TitleDefense: titleDefense,
			ReportedBy:   req.ExternalUserID,
			At:           now,
		}
		if err := s.stats.RecordMatch(ctx, outcome); err != nil {
			s.log.Warnw("[CHALLENGE] failed to record match stats", "pair", key, "err", err)
		}
	}

	s.log.Infow("[CHALLENGE] ✅ result reported", "pair", key, "winner", winner.ExternalUserID, "climb", climb, "title_defense", titleDefense)

	desc := fmt.Sprintf("#%d %s defended against #%d %s. Ranks are unchanged.",
		winner.Rank, winner.DisplayName, loser.Rank, loser.DisplayName)
	if climb {
		desc = fmt.Sprintf("%s beat %s and climbs from #%d to #%d! %s drops to #%d.",
			winner.DisplayName, loser.DisplayName, winner.Rank, newWinner.Rank, loser.DisplayName, newLoser.Rank)
	} else if titleDefense {
		desc = fmt.Sprintf("👑 %s defended the #1 spot against #%d %s!", winner.DisplayName, loser.Rank, loser.DisplayName)
	}
	s.announce(ctx, Announcement{
		Title:       "🏆 Match Result",
		Description: desc,
		Color:       ColorResult,
	})

	return &MatchReport{
		Winner:             newWinner,
		Loser:              newLoser,
		WinnerPreviousRank: winner.Rank,
		LoserPreviousRank:  loser.Rank,
		Climb:              climb,
		TitleDefense:       titleDefense,
	}, nil
}

func (s *ChallengeService) ListChallenges(ctx context.Context) ([]ActiveChallenge, error) {
	out, err := s.store.ListChallenges(ctx)
	if err != nil {
		return nil, fastStoreError(err)
	}
	return out, nil
}

func (s *ChallengeService) ListCooldowns(ctx context.Context) ([]ActiveCooldown, error) {
	out, err := s.store.ListCooldowns(ctx)
	if err != nil {
		return nil, fastStoreError(err)
	}
	return out, nil
}
