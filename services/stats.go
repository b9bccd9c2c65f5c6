package services

import (
	"context"
	"time"

	"challenge-ladder/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MatchOutcome is what a completed report hands to the stats recorder.
type MatchOutcome struct {
	WinnerBefore models.PlayerRow
	LoserBefore  models.PlayerRow
	WinnerAfter  models.PlayerRow
	LoserAfter   models.PlayerRow
	Climb        bool
	TitleDefense bool
	ReportedBy   string
	At           time.Time
}

// MatchRecorder persists match history. It never gates a ladder change.
type MatchRecorder interface {
	RecordMatch(ctx context.Context, o MatchOutcome) error
}

// StatsService keeps match history and rank-1 defense counts in Postgres.
type StatsService struct {
	DB *gorm.DB
}

func NewStatsService(db *gorm.DB) *StatsService {
	return &StatsService{DB: db}
}

func (s *StatsService) RecordMatch(ctx context.Context, o MatchOutcome) error {
	result := "defense"
	if o.Climb {
		result = "climb"
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.MatchResult{
			ID:               uuid.NewString(),
			WinnerUserID:     o.WinnerBefore.ExternalUserID,
			WinnerName:       o.WinnerBefore.DisplayName,
			LoserUserID:      o.LoserBefore.ExternalUserID,
			LoserName:        o.LoserBefore.DisplayName,
			WinnerRankBefore: o.WinnerBefore.Rank,
			LoserRankBefore:  o.LoserBefore.Rank,
			WinnerRankAfter:  o.WinnerAfter.Rank,
			LoserRankAfter:   o.LoserAfter.Rank,
			Result:           result,
			ReportedBy:       o.ReportedBy,
		}).Error; err != nil {
			return err
		}
		if !o.TitleDefense {
			return nil
		}
		at := o.At
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"defenses":         gorm.Expr("title_defenses.defenses + 1"),
				"display_name":     o.WinnerBefore.DisplayName,
				"last_defended_at": at,
				"updated_at":       at,
			}),
		}).Create(&models.TitleDefense{
			ID:             uuid.NewString(),
			ExternalUserID: o.WinnerBefore.ExternalUserID,
			DisplayName:    o.WinnerBefore.DisplayName,
			Defenses:       1,
			LastDefendedAt: &at,
		}).Error
	})
}

// TopDefenders lists the most frequent rank-1 defenders.
func (s *StatsService) TopDefenders(ctx context.Context, limit int) ([]models.TitleDefense, error) {
	var out []models.TitleDefense
	err := s.DB.WithContext(ctx).Order("defenses DESC").Limit(limit).Find(&out).Error
	return out, err
}
