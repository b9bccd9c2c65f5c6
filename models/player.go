package models

// PlayerStatus mirrors the status column of the ladder sheet.
type PlayerStatus string

const (
	StatusAvailable PlayerStatus = "Available"
	StatusChallenge PlayerStatus = "Challenge"
	StatusVacation  PlayerStatus = "Vacation"
)

// PlayerRow is one ranked player on the ladder sheet.
// Columns: rank, name, status, challenge date, opponent rank, user id, notes, cooldown note.
type PlayerRow struct {
	SheetRow           int          `json:"-"` // 1-based row on the sheet
	Rank               int          `json:"rank"`
	DisplayName        string       `json:"display_name"`
	Status             PlayerStatus `json:"status"`
	ChallengeTimestamp string       `json:"challenge_timestamp,omitempty"`
	OpponentRank       int          `json:"opponent_rank,omitempty"` // 0 = none
	ExternalUserID     string       `json:"external_user_id"`
	Notes              string       `json:"notes,omitempty"`
	CooldownNote       string       `json:"cooldown_note,omitempty"` // legacy, carried untouched
}

func (p PlayerRow) InChallenge() bool {
	return p.Status == StatusChallenge
}

func (p PlayerRow) OnVacation() bool {
	return p.Status == StatusVacation
}

// PairedWith reports whether p is in a challenge pointing at other's rank.
func (p PlayerRow) PairedWith(other PlayerRow) bool {
	return p.InChallenge() && p.OpponentRank == other.Rank
}

// ClearChallenge resets the challenge columns back to Available.
func (p *PlayerRow) ClearChallenge() {
	p.Status = StatusAvailable
	p.ChallengeTimestamp = ""
	p.OpponentRank = 0
}
