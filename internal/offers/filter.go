package offers

import "strings"

// Filter narrows the offer list shown to the user.
type Filter struct {
	// SportType matches exactly when set.
	SportType string
	// Name matches a case-insensitive substring of the owner's full name.
	Name string
}

// IsActive reports whether any criterion is set.
func (f Filter) IsActive() bool {
	return strings.TrimSpace(f.SportType) != "" || strings.TrimSpace(f.Name) != ""
}

// Matches reports whether offer satisfies every criterion.
func (f Filter) Matches(offer TrainingOffer) bool {
	if sport := strings.TrimSpace(f.SportType); sport != "" && offer.SportType != sport {
		return false
	}
	name := strings.ToLower(strings.TrimSpace(f.Name))
	if name == "" {
		return true
	}
	if offer.Profiles == nil {
		return false
	}
	return strings.Contains(strings.ToLower(offer.Profiles.FullName()), name)
}

// Apply returns the offers that match, preserving order.
func (f Filter) Apply(list []TrainingOffer) []TrainingOffer {
	if !f.IsActive() {
		return list
	}
	matched := make([]TrainingOffer, 0, len(list))
	for _, offer := range list {
		if f.Matches(offer) {
			matched = append(matched, offer)
		}
	}
	return matched
}
