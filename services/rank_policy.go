package services

import "challenge-ladder/models"

const (
	TopTierCutoff   = 10
	TopTierMaxJump  = 2
	StandardMaxJump = 3
)

type PolicyReason string

const (
	PolicyAllowed          PolicyReason = ""
	PolicyInvalidDirection PolicyReason = CodeInvalidDirection
	PolicyJumpTooLarge     PolicyReason = CodeJumpTooLarge
)

// PolicyDecision is the outcome of EvaluateChallenge.
type PolicyDecision struct {
	Allowed        bool
	Reason         PolicyReason
	JumpSize       int
	MaxJump        int
	MaxAllowedRank int // informational: challengerRank - MaxJump
}

// MaxJumpFor returns the jump limit for a challenge between the two ranks.
// Anything aimed into the top tier is held to the stricter limit.
func MaxJumpFor(challengerRank, targetRank int) int {
	if targetRank <= TopTierCutoff || challengerRank <= TopTierCutoff {
		return TopTierMaxJump
	}
	return StandardMaxJump
}

// EvaluateChallenge decides whether challengerRank may challenge targetRank
// on the given ladder. Vacationing players between the two are skipped when
// counting the jump.
func EvaluateChallenge(rows []models.PlayerRow, challengerRank, targetRank int) PolicyDecision {
	if challengerRank <= targetRank {
		return PolicyDecision{Reason: PolicyInvalidDirection}
	}

	available := 0
	for _, r := range rows {
		if r.Rank > targetRank && r.Rank < challengerRank && !r.OnVacation() {
			available++
		}
	}

	d := PolicyDecision{
		JumpSize: available + 1,
		MaxJump:  MaxJumpFor(challengerRank, targetRank),
	}
	d.MaxAllowedRank = challengerRank - d.MaxJump
	if d.JumpSize > d.MaxJump {
		d.Reason = PolicyJumpTooLarge
		return d
	}
	d.Allowed = true
	return d
}

// Err converts a rejected decision into the player-facing error.
func (d PolicyDecision) Err(challengerRank, targetRank int) error {
	switch d.Reason {
	case PolicyAllowed:
		return nil
	case PolicyInvalidDirection:
		return validationError(CodeInvalidDirection,
			"Rank #%d can only challenge players ranked above them, not #%d.", challengerRank, targetRank)
	default:
		return validationError(CodeJumpTooLarge,
			"Rank #%d can challenge at most %d available spot(s) up (rank #%d or below); #%d is %d spots away.",
			challengerRank, d.MaxJump, d.MaxAllowedRank, targetRank, d.JumpSize)
	}
}
