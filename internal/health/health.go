// Package health scores credentials for allocation. Pure arithmetic over
// a credential snapshot; no IO.
package health

import "github.com/fairyhunter13/llm-gateway/internal/domain"

// expectedBlockSpend is the assumed full spend across one 5-hour block.
const expectedBlockSpend = 25.0

// burnRateBaseline is the USD/hour rate considered normal.
const burnRateBaseline = 3.0

// Score starts at 100, subtracts usage, load, and burn penalties, adds an
// idle bonus, and clamps to [0, 100].
func Score(s domain.Subscription) float64 {
	score := 100.0

	score -= 0.5 * (100 * s.WeeklyUsed / s.WeeklyBudget)

	blockShare := 100 * s.CurrentBlockCost / expectedBlockSpend
	if blockShare > 100 {
		blockShare = 100
	}
	score -= 0.3 * blockShare

	score -= 5 * float64(len(s.AssignedClients))

	if over := s.BurnRate - burnRateBaseline; over > 0 {
		score -= 2 * over
	}

	if s.CurrentBlockCost == 0 {
		score += 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
