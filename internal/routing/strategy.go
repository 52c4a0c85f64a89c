package routing

import "atendo/internal/models"

// Strategy picks the agent a pending conversation is assigned to.
// Candidates arrive in connect order; activeCounts maps agent id to their
// number of pending+active conversations.
type Strategy interface {
	Name() string
	Select(candidates []models.User, activeCounts map[string]int) (models.User, bool)
}

// FewestActive assigns to the candidate with the fewest pending+active
// conversations, breaking ties by connect order.
type FewestActive struct{}

func (FewestActive) Name() string { return "fewest-active" }

func (FewestActive) Select(candidates []models.User, activeCounts map[string]int) (models.User, bool) {
	if len(candidates) == 0 {
		return models.User{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if activeCounts[c.ID] < activeCounts[best.ID] {
			best = c
		}
	}
	return best, true
}

// FirstAvailable assigns to the earliest-connected candidate. Kept for
// comparison and as the policy the load counts degrade to when empty.
type FirstAvailable struct{}

func (FirstAvailable) Name() string { return "first-available" }

func (FirstAvailable) Select(candidates []models.User, _ map[string]int) (models.User, bool) {
	if len(candidates) == 0 {
		return models.User{}, false
	}
	return candidates[0], true
}
