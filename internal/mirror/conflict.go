package mirror

import (
	"slices"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
)

// overlayPending replays queued mutations over a fresh server snapshot so the merged list keeps
// showing work the server has not seen yet. Patches that target an already confirmed
// pending-local id are redirected to the confirmed record.
func overlayPending(merged []offers.TrainingOffer, pending []Patch, confirmed map[offers.OfferID]offers.TrainingOffer) []offers.TrainingOffer {
	for _, patch := range pending {
		switch patch.Kind {
		case PatchCreate:
			if record, ok := confirmed[patch.Offer.ID]; ok {
				if offers.IndexOf(merged, record.ID) < 0 {
					merged = append(merged, record)
				}
				continue
			}
			if offers.IndexOf(merged, patch.Offer.ID) < 0 {
				merged = append(merged, patch.Offer)
			}
		case PatchUpdate:
			index := offers.IndexOf(merged, redirect(patch.ID, confirmed))
			if index < 0 {
				continue
			}
			if resolved, accepted := resolvePendingUpdate(merged[index], patch); accepted {
				merged[index] = resolved
			}
		case PatchDelete:
			target := redirect(patch.ID, confirmed)
			merged = slices.DeleteFunc(merged, func(offer offers.TrainingOffer) bool {
				return offer.ID == target
			})
		}
	}
	return merged
}

func redirect(id offers.OfferID, confirmed map[offers.OfferID]offers.TrainingOffer) offers.OfferID {
	if record, ok := confirmed[id]; ok {
		return record.ID
	}
	return id
}

// resolvePendingUpdate decides between a queued update and the row the server returned.
// Last writer wins on timestamps and ties go to the local change.
func resolvePendingUpdate(row offers.TrainingOffer, patch Patch) (offers.TrainingOffer, bool) {
	acceptChange := false
	switch {
	case row.ID.IsPendingLocal():
		acceptChange = true
	case patch.At.IsZero():
		acceptChange = true
	case row.UpdatedAt.IsZero():
		acceptChange = true
	case patch.At.After(row.UpdatedAt):
		acceptChange = true
	case patch.At.Before(row.UpdatedAt):
		acceptChange = false
	default:
		acceptChange = true
	}
	if !acceptChange {
		return row, false
	}

	updated := patch.Updates.ApplyTo(row)
	if patch.At.After(updated.UpdatedAt) {
		updated.UpdatedAt = patch.At.UTC()
	}
	return updated, true
}
