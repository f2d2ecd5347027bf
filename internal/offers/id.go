package offers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	maxIdentifierLength = 190
	localRefPrefix      = "local:"
)

var (
	// ErrInvalidOfferID indicates that an offer identifier is empty or exceeds storage bounds.
	ErrInvalidOfferID = errors.New("offers: invalid offer id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("offers: invalid user id")
)

// OfferID identifies a training offer. An id is either confirmed by the backend or a
// pending-local placeholder minted on this device before the create was synced.
type OfferID struct {
	value   string
	pending bool
}

// ConfirmedID returns a server-assigned identifier.
func ConfirmedID(value string) OfferID {
	return OfferID{value: strings.TrimSpace(value)}
}

// PendingLocalID returns a device-local placeholder identifier.
func PendingLocalID(value string) OfferID {
	return OfferID{value: strings.TrimSpace(value), pending: true}
}

// ParseRef decodes the textual form produced by Ref.
func ParseRef(raw string) (OfferID, error) {
	trimmed := strings.TrimSpace(raw)
	pending := false
	if strings.HasPrefix(trimmed, localRefPrefix) {
		pending = true
		trimmed = strings.TrimPrefix(trimmed, localRefPrefix)
	}
	if trimmed == "" {
		return OfferID{}, fmt.Errorf("%w: empty", ErrInvalidOfferID)
	}
	if len(trimmed) > maxIdentifierLength {
		return OfferID{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidOfferID, maxIdentifierLength)
	}
	return OfferID{value: trimmed, pending: pending}, nil
}

// String returns the raw identifier without provenance.
func (id OfferID) String() string {
	return id.value
}

// Ref returns a textual form that keeps provenance, suitable for URLs.
func (id OfferID) Ref() string {
	if id.pending {
		return localRefPrefix + id.value
	}
	return id.value
}

// IsPendingLocal reports whether the id was minted locally and has not been confirmed.
func (id OfferID) IsPendingLocal() bool {
	return id.pending
}

// IsZero reports whether the id is unset.
func (id OfferID) IsZero() bool {
	return id.value == ""
}

type offerIDWire struct {
	Value        string `json:"value"`
	PendingLocal bool   `json:"pending_local,omitempty"`
}

// MarshalJSON encodes the id with its provenance.
func (id OfferID) MarshalJSON() ([]byte, error) {
	return json.Marshal(offerIDWire{Value: id.value, PendingLocal: id.pending})
}

// UnmarshalJSON accepts both the tagged object form and a bare string, which is how the
// backend reports confirmed ids.
func (id *OfferID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*id = OfferID{}
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		*id = ConfirmedID(raw)
		return nil
	}
	var wire offerIDWire
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOfferID, err)
	}
	*id = OfferID{value: strings.TrimSpace(wire.Value), pending: wire.PendingLocal}
	return nil
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// IDProvider mints identifiers for pending-local offers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewPendingLocalID mints a fresh pending-local id from provider.
func NewPendingLocalID(provider IDProvider) (OfferID, error) {
	value, err := provider.NewID()
	if err != nil {
		return OfferID{}, err
	}
	return PendingLocalID(value), nil
}
