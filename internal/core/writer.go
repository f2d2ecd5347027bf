package core

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/mirror"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/queue"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/remote"
	"go.uber.org/zap"
)

// WriteResult describes how a write was routed. Deferred writes were queued and patched into the
// mirror; they will reach the backend on the next drain.
type WriteResult struct {
	Offer       offers.TrainingOffer
	Deferred    bool
	OperationID string
}

// CreateOffer creates an offer on the backend when online, otherwise queues it behind a
// pending-local placeholder.
func (s *Session) CreateOffer(ctx context.Context, draft offers.Draft) (WriteResult, error) {
	if err := draft.Validate(); err != nil {
		return WriteResult{}, newServiceError(opCreateOffer, "invalid_draft", err)
	}
	end, err := s.beginWrite(opCreateOffer)
	if err != nil {
		return WriteResult{}, err
	}
	defer end()

	if s.monitor.Online() {
		created, err := s.callCreate(ctx, draft)
		switch {
		case err == nil:
			s.refreshAfterWrite(ctx, opCreateOffer)
			return WriteResult{Offer: created}, nil
		case !remote.IsNetwork(err):
			s.logError(opCreateOffer, "rejected", err)
			return WriteResult{}, newServiceError(opCreateOffer, "rejected", err)
		}
		s.logger.Info("create deferred after network failure", zap.Error(err))
	}

	localID, err := offers.NewPendingLocalID(s.idProvider)
	if err != nil {
		s.logError(opCreateOffer, "id_generation_failed", err)
		return WriteResult{}, newServiceError(opCreateOffer, "id_generation_failed", err)
	}
	op, err := s.queue.Enqueue(ctx, queue.CreateOffer(localID, draft))
	if err != nil {
		s.logError(opCreateOffer, "enqueue_failed", err)
		return WriteResult{}, newServiceError(opCreateOffer, "enqueue_failed", err)
	}

	profile, err := s.profiles.Profile(ctx)
	if err != nil {
		s.logError(opCreateOffer, "profile_read_failed", err)
		profile = nil
	}
	placeholder := draft.Placeholder(localID, s.userID, profile, op.Timestamp)
	s.patchMirror(ctx, opCreateOffer, mirror.Patch{Kind: mirror.PatchCreate, Offer: placeholder, At: op.Timestamp})
	return WriteResult{Offer: placeholder, Deferred: true, OperationID: op.ID}, nil
}

// UpdateOffer applies updates on the backend when online. Updates to pending-local offers and
// writes made offline are queued.
func (s *Session) UpdateOffer(ctx context.Context, id offers.OfferID, updates offers.Updates) (WriteResult, error) {
	if id.IsZero() {
		return WriteResult{}, newServiceError(opUpdateOffer, "invalid_id", offers.ErrInvalidOfferID)
	}
	if updates.IsEmpty() {
		return WriteResult{}, newServiceError(opUpdateOffer, "empty_update", ErrEmptyUpdate)
	}
	end, err := s.beginWrite(opUpdateOffer)
	if err != nil {
		return WriteResult{}, err
	}
	defer end()
	id = s.mirror.Resolve(id)

	if s.monitor.Online() && !id.IsPendingLocal() {
		updated, err := s.callUpdate(ctx, id, updates)
		switch {
		case err == nil:
			s.refreshAfterWrite(ctx, opUpdateOffer)
			return WriteResult{Offer: updated}, nil
		case !remote.IsNetwork(err):
			s.logError(opUpdateOffer, "rejected", err, zap.String("offer_id", id.Ref()))
			return WriteResult{}, newServiceError(opUpdateOffer, "rejected", err)
		}
		s.logger.Info("update deferred after network failure", zap.String("offer_id", id.Ref()), zap.Error(err))
	}

	op, err := s.queue.Enqueue(ctx, queue.UpdateOffer(id, updates))
	if err != nil {
		s.logError(opUpdateOffer, "enqueue_failed", err, zap.String("offer_id", id.Ref()))
		return WriteResult{}, newServiceError(opUpdateOffer, "enqueue_failed", err)
	}
	s.patchMirror(ctx, opUpdateOffer, mirror.Patch{Kind: mirror.PatchUpdate, ID: id, Updates: updates, At: op.Timestamp})
	if id.IsPendingLocal() {
		s.triggerIfOnline()
	}

	result := WriteResult{Deferred: true, OperationID: op.ID}
	if offer, err := s.Offer(ctx, id); err == nil {
		result.Offer = offer
	}
	return result, nil
}

// DeleteOffer removes an offer on the backend when online, otherwise queues the delete.
func (s *Session) DeleteOffer(ctx context.Context, id offers.OfferID) (WriteResult, error) {
	if id.IsZero() {
		return WriteResult{}, newServiceError(opDeleteOffer, "invalid_id", offers.ErrInvalidOfferID)
	}
	end, err := s.beginWrite(opDeleteOffer)
	if err != nil {
		return WriteResult{}, err
	}
	defer end()
	id = s.mirror.Resolve(id)

	if id.IsPendingLocal() {
		discarded, err := s.discardUnsynced(ctx, id)
		if err != nil {
			s.logError(opDeleteOffer, "discard_failed", err, zap.String("offer_id", id.Ref()))
			return WriteResult{}, newServiceError(opDeleteOffer, "discard_failed", err)
		}
		if discarded {
			return WriteResult{}, nil
		}
	}

	if s.monitor.Online() && !id.IsPendingLocal() {
		err = s.callDelete(ctx, id)
		switch {
		case err == nil:
			s.refreshAfterWrite(ctx, opDeleteOffer)
			return WriteResult{}, nil
		case !remote.IsNetwork(err):
			s.logError(opDeleteOffer, "rejected", err, zap.String("offer_id", id.Ref()))
			return WriteResult{}, newServiceError(opDeleteOffer, "rejected", err)
		}
		s.logger.Info("delete deferred after network failure", zap.String("offer_id", id.Ref()), zap.Error(err))
	}

	op, err := s.queue.Enqueue(ctx, queue.DeleteOffer(id))
	if err != nil {
		s.logError(opDeleteOffer, "enqueue_failed", err, zap.String("offer_id", id.Ref()))
		return WriteResult{}, newServiceError(opDeleteOffer, "enqueue_failed", err)
	}
	s.patchMirror(ctx, opDeleteOffer, mirror.Patch{Kind: mirror.PatchDelete, ID: id, At: op.Timestamp})
	if id.IsPendingLocal() {
		s.triggerIfOnline()
	}
	return WriteResult{Deferred: true, OperationID: op.ID}, nil
}

// discardUnsynced drops an offer whose create never left the queue, together with every queued
// edit of it. While a drain runs the create may already be in flight, so the delete is queued
// behind it instead; the engine then resolves it to the confirmed server id.
func (s *Session) discardUnsynced(ctx context.Context, id offers.OfferID) (bool, error) {
	discarded := false
	_, err := s.engine.WhenIdle(func() error {
		var err error
		discarded, err = s.discardQueued(ctx, id)
		return err
	})
	return discarded, err
}

func (s *Session) discardQueued(ctx context.Context, id offers.OfferID) (bool, error) {
	var related []string
	createQueued := false
	for _, op := range s.queue.List() {
		target, err := op.Target()
		if err != nil || target != id {
			continue
		}
		if op.Type == queue.TypeCreate {
			createQueued = true
		}
		related = append(related, op.ID)
	}
	if !createQueued {
		return false, nil
	}
	for _, operationID := range related {
		if err := s.queue.Dequeue(ctx, operationID); err != nil {
			return false, err
		}
	}
	if err := s.mirror.Apply(ctx, mirror.Patch{Kind: mirror.PatchDelete, ID: id}); err != nil {
		return false, err
	}
	s.logger.Debug("discarded unsynced offer", zap.String("offer_id", id.Ref()), zap.Int("operations", len(related)))
	return true, nil
}

// Enqueue appends a raw operation to the queue without touching the mirror.
func (s *Session) Enqueue(ctx context.Context, request queue.NewOperation) (string, error) {
	end, err := s.beginWrite(opEnqueue)
	if err != nil {
		return "", err
	}
	defer end()
	op, err := s.queue.Enqueue(ctx, request)
	if err != nil {
		s.logError(opEnqueue, "enqueue_failed", err)
		return "", newServiceError(opEnqueue, "enqueue_failed", err)
	}
	return op.ID, nil
}

func (s *Session) callCreate(ctx context.Context, draft offers.Draft) (offers.TrainingOffer, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return s.backend.CreateOffer(callCtx, draft)
}

func (s *Session) callUpdate(ctx context.Context, id offers.OfferID, updates offers.Updates) (offers.TrainingOffer, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return s.backend.UpdateOffer(callCtx, id, updates)
}

func (s *Session) callDelete(ctx context.Context, id offers.OfferID) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return s.backend.DeleteOffer(callCtx, id)
}

// patchMirror applies an optimistic patch. The operation is already durable in the queue, so a
// mirror failure is logged and the next reconcile repairs the view.
func (s *Session) patchMirror(ctx context.Context, operation string, patch mirror.Patch) {
	if err := s.mirror.Apply(ctx, patch); err != nil {
		s.logError(operation, "mirror_patch_failed", err)
	}
}

func (s *Session) refreshAfterWrite(ctx context.Context, operation string) {
	if _, err := s.Refresh(ctx, s.currentFilter()); err != nil && !errors.Is(err, context.Canceled) {
		s.logError(operation, "refresh_failed", err)
	}
}

// triggerIfOnline starts a drain when the monitor reports online. Writes to offers whose create
// is still queued use it so they do not wait for the next transition.
func (s *Session) triggerIfOnline() {
	if s.monitor.Online() {
		s.engine.Trigger()
	}
}
