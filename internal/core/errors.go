package core

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline indicates the operation needs connectivity and cannot be queued.
	ErrOffline = errors.New("core: device is offline")
	// ErrNotOwner indicates that only the offer's owner may perform the operation.
	ErrNotOwner = errors.New("core: only the offer owner can do this")
	// ErrCannotRemoveSelf indicates an owner tried to remove themselves from their own offer.
	ErrCannotRemoveSelf = errors.New("core: owners cannot remove themselves")
	// ErrOfferNotFound indicates the offer is unknown locally.
	ErrOfferNotFound = errors.New("core: offer not found")
	// ErrEmptyUpdate indicates an update without any field set.
	ErrEmptyUpdate = errors.New("core: update has no fields")
	// ErrSignedOut indicates the session was signed out and accepts no more writes.
	ErrSignedOut = errors.New("core: session is signed out")

	errMissingUserID     = errors.New("user identifier is required")
	errMissingStore      = errors.New("store is required")
	errMissingBackend    = errors.New("backend is required")
	errMissingMonitor    = errors.New("connectivity monitor is required")
	errMissingProfiles   = errors.New("profile cache is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a dotted operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opSessionNew        = "core.session.new"
	opRefresh           = "core.refresh"
	opCreateOffer       = "core.create_offer"
	opUpdateOffer       = "core.update_offer"
	opDeleteOffer       = "core.delete_offer"
	opJoinOffer         = "core.join_offer"
	opLeaveOffer        = "core.leave_offer"
	opParticipants      = "core.participants"
	opRemoveParticipant = "core.remove_participant"
	opEnqueue           = "core.enqueue"
	opSync              = "core.sync"
	opSignOut           = "core.sign_out"
	opWatch             = "core.watch"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
