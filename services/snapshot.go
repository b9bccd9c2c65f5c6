package services

import (
	"context"
	"fmt"
	"time"

	"challenge-ladder/models"

	"go.uber.org/zap"
)

// JSONUploader stores a JSON document under an object key.
type JSONUploader interface {
	UploadJSON(ctx context.Context, key string, v any) error
}

type LadderSnapshot struct {
	TakenAt    time.Time          `json:"taken_at"`
	Sheet      string             `json:"sheet"`
	Players    []models.PlayerRow `json:"players"`
	Challenges []ActiveChallenge  `json:"challenges"`
	Cooldowns  []ActiveCooldown   `json:"cooldowns"`
}

// LadderSnapshotter exports the ladder and the fast-store state for offline
// history. A snapshot is a copy; nothing reads it back.
type LadderSnapshotter struct {
	ladder   *Ladder
	store    *FastStore
	uploader JSONUploader
	clock    *ChallengeClock
	log      *zap.SugaredLogger
}

func NewLadderSnapshotter(ladder *Ladder, store *FastStore, uploader JSONUploader, clock *ChallengeClock, log *zap.SugaredLogger) *LadderSnapshotter {
	return &LadderSnapshotter{ladder: ladder, store: store, uploader: uploader, clock: clock, log: log}
}

func SnapshotKey(sheet string, at time.Time) string {
	return fmt.Sprintf("ladder-snapshots/%s/%s.json", sheet, at.UTC().Format("2006-01-02T15-04-05Z"))
}

// Take reads the current state and uploads it. It returns the object key.
func (s *LadderSnapshotter) Take(ctx context.Context) (string, error) {
	rows, err := s.ladder.Rows(ctx)
	if err != nil {
		return "", ladderStoreError(err)
	}
	challenges, err := s.store.ListChallenges(ctx)
	if err != nil {
		return "", fastStoreError(err)
	}
	cooldowns, err := s.store.ListCooldowns(ctx)
	if err != nil {
		return "", fastStoreError(err)
	}

	now := s.clock.Now()
	snap := LadderSnapshot{
		TakenAt:    now,
		Sheet:      s.ladder.sheet,
		Players:    rows,
		Challenges: challenges,
		Cooldowns:  cooldowns,
	}
	key := SnapshotKey(s.ladder.sheet, now)
	if err := s.uploader.UploadJSON(ctx, key, snap); err != nil {
		s.log.Errorw("[SNAPSHOT] ❌ upload failed", "key", key, "err", err)
		return "", err
	}
	s.log.Infow("[SNAPSHOT] 📦 ladder snapshot stored", "key", key, "players", len(rows))
	return key, nil
}
