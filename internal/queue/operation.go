package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
)

// Type enumerates queued mutation kinds.
type Type string

const (
	// TypeCreate creates a new offer.
	TypeCreate Type = "create"
	// TypeUpdate applies partial updates to an offer.
	TypeUpdate Type = "update"
	// TypeDelete removes an offer.
	TypeDelete Type = "delete"
)

// ErrInvalidPayload indicates that an operation payload does not match its type.
var ErrInvalidPayload = errors.New("queue: invalid operation payload")

// Operation is one durable, not-yet-confirmed mutation.
type Operation struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Entity     string          `json:"entity"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// FailedOperation is an operation moved out of the queue by the retry policy.
type FailedOperation struct {
	Operation Operation `json:"operation"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failedAt"`
}

// CreatePayload is the data of a create operation.
type CreatePayload struct {
	LocalID offers.OfferID `json:"localId"`
	Draft   offers.Draft   `json:"draft"`
}

// UpdatePayload is the data of an update operation.
type UpdatePayload struct {
	ID      offers.OfferID `json:"id"`
	Updates offers.Updates `json:"updates"`
}

// DeletePayload is the data of a delete operation.
type DeletePayload struct {
	ID offers.OfferID `json:"id"`
}

// NewOperation is the caller-supplied part of an operation.
type NewOperation struct {
	Type   Type
	Entity string
	Data   any
}

// CreateOffer builds a create request.
func CreateOffer(localID offers.OfferID, draft offers.Draft) NewOperation {
	return NewOperation{Type: TypeCreate, Entity: offers.EntityTrainingOffer, Data: CreatePayload{LocalID: localID, Draft: draft}}
}

// UpdateOffer builds an update request.
func UpdateOffer(id offers.OfferID, updates offers.Updates) NewOperation {
	return NewOperation{Type: TypeUpdate, Entity: offers.EntityTrainingOffer, Data: UpdatePayload{ID: id, Updates: updates}}
}

// DeleteOffer builds a delete request.
func DeleteOffer(id offers.OfferID) NewOperation {
	return NewOperation{Type: TypeDelete, Entity: offers.EntityTrainingOffer, Data: DeletePayload{ID: id}}
}

// CreatePayload decodes the data of a create operation.
func (op Operation) CreatePayload() (CreatePayload, error) {
	var payload CreatePayload
	if err := op.decode(TypeCreate, &payload); err != nil {
		return CreatePayload{}, err
	}
	return payload, nil
}

// UpdatePayload decodes the data of an update operation.
func (op Operation) UpdatePayload() (UpdatePayload, error) {
	var payload UpdatePayload
	if err := op.decode(TypeUpdate, &payload); err != nil {
		return UpdatePayload{}, err
	}
	return payload, nil
}

// DeletePayload decodes the data of a delete operation.
func (op Operation) DeletePayload() (DeletePayload, error) {
	var payload DeletePayload
	if err := op.decode(TypeDelete, &payload); err != nil {
		return DeletePayload{}, err
	}
	return payload, nil
}

// Target returns the offer the operation acts on. Creates report their pending-local id.
func (op Operation) Target() (offers.OfferID, error) {
	switch op.Type {
	case TypeCreate:
		payload, err := op.CreatePayload()
		return payload.LocalID, err
	case TypeUpdate:
		payload, err := op.UpdatePayload()
		return payload.ID, err
	case TypeDelete:
		payload, err := op.DeletePayload()
		return payload.ID, err
	default:
		return offers.OfferID{}, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, op.Type)
	}
}

func (op Operation) decode(expected Type, target any) error {
	if op.Type != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidPayload, expected, op.Type)
	}
	if err := json.Unmarshal(op.Data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// retarget rewrites the target id of update and delete operations.
func (op Operation) retarget(from, to offers.OfferID) (Operation, bool, error) {
	switch op.Type {
	case TypeUpdate:
		payload, err := op.UpdatePayload()
		if err != nil || payload.ID != from {
			return op, false, err
		}
		payload.ID = to
		return op.withData(payload)
	case TypeDelete:
		payload, err := op.DeletePayload()
		if err != nil || payload.ID != from {
			return op, false, err
		}
		payload.ID = to
		return op.withData(payload)
	default:
		return op, false, nil
	}
}

func (op Operation) withData(payload any) (Operation, bool, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return op, false, err
	}
	op.Data = encoded
	return op, true, nil
}
