package models

// RecordPlayer is the per-player snapshot stored inside a ChallengeRecord.
type RecordPlayer struct {
	ExternalUserID string `json:"discordId"`
	Name           string `json:"name"`
	Rank           int    `json:"rank"`
}

// ChallengeRecord is the fast-store entry for one in-flight challenge.
type ChallengeRecord struct {
	Player1       RecordPlayer `json:"player1"`
	Player2       RecordPlayer `json:"player2"`
	ChallengeDate string       `json:"challengeDate"`
	StartTime     int64        `json:"startTime"`  // epoch ms
	ExpiryTime    int64        `json:"expiryTime"` // epoch ms
}

// CooldownParty identifies one side of a cooldown.
type CooldownParty struct {
	ExternalUserID string `json:"discordId"`
	Name           string `json:"name"`
}

// CooldownRecord blocks two identities from re-challenging each other.
type CooldownRecord struct {
	Player1    CooldownParty `json:"player1"`
	Player2    CooldownParty `json:"player2"`
	StartTime  int64         `json:"startTime"`
	ExpiryTime int64         `json:"expiryTime"`
}

// PlayerLock points an identity at the challenge it is locked into.
type PlayerLock struct {
	ExternalUserID string `json:"discordId"`
	ChallengeKey   string `json:"challengeKey"`
}
