// Package remote talks to the training-offer backend.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
)

// Backend is the remote CRUD service the sync core reconciles against. Row-level authorization
// is enforced on the server side.
type Backend interface {
	ListOffers(ctx context.Context) ([]offers.TrainingOffer, error)
	CreateOffer(ctx context.Context, draft offers.Draft) (offers.TrainingOffer, error)
	UpdateOffer(ctx context.Context, id offers.OfferID, updates offers.Updates) (offers.TrainingOffer, error)
	DeleteOffer(ctx context.Context, id offers.OfferID) error
	JoinOffer(ctx context.Context, id offers.OfferID) error
	LeaveOffer(ctx context.Context, id offers.OfferID) error
	ListParticipants(ctx context.Context, id offers.OfferID, limit int) ([]offers.Participant, error)
	RemoveParticipant(ctx context.Context, id offers.OfferID, userID string) error
	Ping(ctx context.Context) error
}

// Kind classifies a backend failure.
type Kind int

const (
	// KindNetwork covers transport failures, timeouts and transient gateway statuses. The
	// request may be retried once connectivity returns.
	KindNetwork Kind = iota + 1
	// KindRejected means the backend refused the request.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrPendingLocalID is returned when a caller hands an unconfirmed id to the backend.
var ErrPendingLocalID = errors.New("remote: pending-local id cannot be sent to the backend")

// ErrUnreadableResponse marks a rejection whose request the backend accepted with a 2xx status
// but whose response body could not be read. The write is applied and must not be resent.
var ErrUnreadableResponse = errors.New("remote: backend accepted the request but its response was unreadable")

// IsApplied reports whether err describes a write the backend committed despite the failure.
func IsApplied(err error) bool {
	return errors.Is(err, ErrUnreadableResponse)
}

// Error is the structured failure returned by Backend implementations.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NetworkError wraps err as a network-class failure.
func NetworkError(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Rejection wraps err as a backend rejection.
func Rejection(op string, status int, err error) error {
	return &Error{Kind: KindRejected, Op: op, Status: status, Err: err}
}

// IsNetwork reports whether err is a network-class failure.
func IsNetwork(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Kind == KindNetwork
}

// IsRejection reports whether err is a backend rejection.
func IsRejection(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Kind == KindRejected
}
