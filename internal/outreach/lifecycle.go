package outreach

import "outreach-engine/internal/domain"

var transitions = map[domain.LeadStatus][]domain.LeadStatus{
	domain.StatusNew:         {domain.StatusResearching},
	domain.StatusResearching: {domain.StatusContacted, domain.StatusScheduled},
	domain.StatusScheduled:   {domain.StatusContacted, domain.StatusReplied},
	domain.StatusContacted:   {domain.StatusContacted, domain.StatusScheduled, domain.StatusReplied},
	domain.StatusReplied:     {domain.StatusInterested, domain.StatusNegotiating},
	domain.StatusInterested:  {domain.StatusNegotiating, domain.StatusConverted},
	domain.StatusNegotiating: {domain.StatusConverted},
	// re-enrichment only
	domain.StatusUnqualified: {domain.StatusResearching},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to domain.LeadStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == domain.StatusUnqualified || to == domain.StatusDoNotContact {
		return from != to
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// contactable lists the statuses an outbound touch may leave from.
func contactable(s domain.LeadStatus) bool {
	return s == domain.StatusResearching || s == domain.StatusContacted
}
