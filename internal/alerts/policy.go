package alerts

import "github.com/opensource-finance/harrier/internal/domain"

// transitions lists the allowed status changes. Anything else is rejected.
var transitions = map[domain.AlertStatus][]domain.AlertStatus{
	domain.AlertNew:           {domain.AlertInvestigating, domain.AlertResolved, domain.AlertFalsePositive},
	domain.AlertInvestigating: {domain.AlertResolved, domain.AlertFalsePositive},
}

// CanTransition reports whether an alert may move from one status to another.
func CanTransition(from, to domain.AlertStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority assigns the alert priority from the final score and the number
// of triggered rules. It is computed once, at creation.
func Priority(finalScore float64, ruleCount int) domain.AlertPriority {
	switch {
	case finalScore >= 90 || ruleCount >= 4:
		return domain.PriorityCritical
	case finalScore >= 70 || ruleCount >= 3:
		return domain.PriorityHigh
	case finalScore >= 50 || ruleCount >= 2:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}
