package core

import (
	"context"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"go.uber.org/zap"
)

// JoinOffer registers the signed-in user as a participant. Membership changes are never queued.
func (s *Session) JoinOffer(ctx context.Context, id offers.OfferID) error {
	if err := s.requireRemoteTarget(opJoinOffer, id); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	err := s.backend.JoinOffer(callCtx, id)
	cancel()
	if err != nil {
		s.logError(opJoinOffer, "remote_failed", err, zap.String("offer_id", id.Ref()))
		return newServiceError(opJoinOffer, "remote_failed", err)
	}
	s.refreshAfterWrite(ctx, opJoinOffer)
	return nil
}

// LeaveOffer removes the signed-in user from the offer's participants.
func (s *Session) LeaveOffer(ctx context.Context, id offers.OfferID) error {
	if err := s.requireRemoteTarget(opLeaveOffer, id); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	err := s.backend.LeaveOffer(callCtx, id)
	cancel()
	if err != nil {
		s.logError(opLeaveOffer, "remote_failed", err, zap.String("offer_id", id.Ref()))
		return newServiceError(opLeaveOffer, "remote_failed", err)
	}
	s.refreshAfterWrite(ctx, opLeaveOffer)
	return nil
}

// Participants lists up to limit participants of an offer, DefaultParticipantLimit when limit is
// not positive.
func (s *Session) Participants(ctx context.Context, id offers.OfferID, limit int) ([]offers.Participant, error) {
	if err := s.requireRemoteTarget(opParticipants, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultParticipantLimit
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	participants, err := s.backend.ListParticipants(callCtx, id, limit)
	if err != nil {
		s.logError(opParticipants, "remote_failed", err, zap.String("offer_id", id.Ref()))
		return nil, newServiceError(opParticipants, "remote_failed", err)
	}
	return participants, nil
}

// RemoveParticipant lets an offer's owner remove another participant.
func (s *Session) RemoveParticipant(ctx context.Context, id offers.OfferID, participantUserID string) error {
	if err := s.requireRemoteTarget(opRemoveParticipant, id); err != nil {
		return err
	}
	if participantUserID == s.userID.String() {
		return newServiceError(opRemoveParticipant, "self", ErrCannotRemoveSelf)
	}
	offer, err := s.Offer(ctx, id)
	if err != nil {
		return newServiceError(opRemoveParticipant, "offer_lookup_failed", err)
	}
	if !offer.OwnedBy(s.userID) {
		return newServiceError(opRemoveParticipant, "not_owner", ErrNotOwner)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	err = s.backend.RemoveParticipant(callCtx, id, participantUserID)
	cancel()
	if err != nil {
		s.logError(opRemoveParticipant, "remote_failed", err,
			zap.String("offer_id", id.Ref()),
			zap.String("participant_user_id", participantUserID))
		return newServiceError(opRemoveParticipant, "remote_failed", err)
	}
	s.refreshAfterWrite(ctx, opRemoveParticipant)
	return nil
}

func (s *Session) requireRemoteTarget(operation string, id offers.OfferID) error {
	if id.IsZero() {
		return newServiceError(operation, "invalid_id", offers.ErrInvalidOfferID)
	}
	if !s.monitor.Online() {
		return newServiceError(operation, "offline", ErrOffline)
	}
	if id.IsPendingLocal() {
		return newServiceError(operation, "pending_local", ErrOfferNotFound)
	}
	return nil
}
