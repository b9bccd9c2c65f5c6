package models

import (
	"time"

	"gorm.io/gorm"
)

// TitleDefense counts successful rank-1 defenses per identity.
type TitleDefense struct {
	ID             string     `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string     `gorm:"uniqueIndex;not null" json:"external_user_id"`
	DisplayName    string     `json:"display_name"`
	Defenses       int64      `gorm:"not null;default:0" json:"defenses"`
	LastDefendedAt *time.Time `json:"last_defended_at,omitempty"`

	Timestamps
}

// MatchResult is the append-only history of reported matches.
type MatchResult struct {
	ID               string `gorm:"primaryKey;type:uuid" json:"id"`
	WinnerUserID     string `gorm:"index;not null" json:"winner_user_id"`
	WinnerName       string `json:"winner_name"`
	LoserUserID      string `gorm:"index;not null" json:"loser_user_id"`
	LoserName        string `json:"loser_name"`
	WinnerRankBefore int    `json:"winner_rank_before"`
	LoserRankBefore  int    `json:"loser_rank_before"`
	WinnerRankAfter  int    `json:"winner_rank_after"`
	LoserRankAfter   int    `json:"loser_rank_after"`
	Result           string `gorm:"type:varchar(16);check:result IN ('climb','defense')" json:"result"`
	ReportedBy       string `json:"reported_by"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
