// Package offers defines the training-offer domain model shared by the sync core.
package offers

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// EntityTrainingOffer names the only entity the sync core queues.
const EntityTrainingOffer = "training_offer"

// ErrInvalidDraft indicates that a draft is missing required fields.
var ErrInvalidDraft = errors.New("offers: invalid draft")

// Profile carries denormalized owner information.
type Profile struct {
	ID        string `json:"id,omitempty"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// FullName joins the first and last name.
func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// TrainingOffer is the mirrored entity.
type TrainingOffer struct {
	ID               OfferID   `json:"id"`
	UserID           string    `json:"user_id"`
	SportType        string    `json:"sport_type"`
	Location         string    `json:"location"`
	DateTime         time.Time `json:"date_time"`
	Description      string    `json:"description,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Profiles         *Profile  `json:"profiles,omitempty"`
	IsParticipating  bool      `json:"is_participating"`
	ParticipantCount int       `json:"participant_count"`
}

// OwnedBy reports whether userID created the offer.
func (o TrainingOffer) OwnedBy(userID UserID) bool {
	return userID != "" && o.UserID == userID.String()
}

// Participant is a user who joined an offer. Participants are never mirrored.
type Participant struct {
	ID              string    `json:"id"`
	TrainingOfferID string    `json:"training_offer_id"`
	UserID          string    `json:"user_id"`
	CreatedAt       time.Time `json:"created_at"`
	Profiles        *Profile  `json:"profiles,omitempty"`
}

// Draft holds the fields supplied when creating an offer.
type Draft struct {
	SportType   string    `json:"sport_type"`
	Location    string    `json:"location"`
	DateTime    time.Time `json:"date_time"`
	Description string    `json:"description,omitempty"`
}

// Validate checks required fields.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.SportType) == "" {
		return fmt.Errorf("%w: sport type is required", ErrInvalidDraft)
	}
	if strings.TrimSpace(d.Location) == "" {
		return fmt.Errorf("%w: location is required", ErrInvalidDraft)
	}
	if d.DateTime.IsZero() {
		return fmt.Errorf("%w: date and time are required", ErrInvalidDraft)
	}
	return nil
}

// Placeholder builds the optimistic record shown until the create is confirmed.
func (d Draft) Placeholder(id OfferID, owner UserID, profile *Profile, now time.Time) TrainingOffer {
	offer := TrainingOffer{
		ID:          id,
		UserID:      owner.String(),
		SportType:   d.SportType,
		Location:    d.Location,
		DateTime:    d.DateTime.UTC(),
		Description: d.Description,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	if profile != nil {
		copied := *profile
		offer.Profiles = &copied
	}
	return offer
}

// Updates is a partial modification. Nil fields are left untouched.
type Updates struct {
	SportType   *string    `json:"sport_type,omitempty"`
	Location    *string    `json:"location,omitempty"`
	DateTime    *time.Time `json:"date_time,omitempty"`
	Description *string    `json:"description,omitempty"`
}

// IsEmpty reports whether no field is set.
func (u Updates) IsEmpty() bool {
	return u.SportType == nil && u.Location == nil && u.DateTime == nil && u.Description == nil
}

// ApplyTo returns offer with the updates applied.
func (u Updates) ApplyTo(offer TrainingOffer) TrainingOffer {
	if u.SportType != nil {
		offer.SportType = *u.SportType
	}
	if u.Location != nil {
		offer.Location = *u.Location
	}
	if u.DateTime != nil {
		offer.DateTime = u.DateTime.UTC()
	}
	if u.Description != nil {
		offer.Description = *u.Description
	}
	return offer
}

// ApplyToDraft folds the updates into a not-yet-synced draft.
func (u Updates) ApplyToDraft(draft Draft) Draft {
	if u.SportType != nil {
		draft.SportType = *u.SportType
	}
	if u.Location != nil {
		draft.Location = *u.Location
	}
	if u.DateTime != nil {
		draft.DateTime = u.DateTime.UTC()
	}
	if u.Description != nil {
		draft.Description = *u.Description
	}
	return draft
}

// SortNewestFirst orders offers by created_at descending. Ties keep their input order.
func SortNewestFirst(list []TrainingOffer) {
	slices.SortStableFunc(list, func(a, b TrainingOffer) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}

// IndexOf returns the position of id in list, or -1.
func IndexOf(list []TrainingOffer, id OfferID) int {
	return slices.IndexFunc(list, func(offer TrainingOffer) bool {
		return offer.ID == id
	})
}
