package core

import (
	"context"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/mirror"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/queue"
	"go.uber.org/zap"
)

// Refresh returns the merged offer list filtered by filter and publishes it to view subscribers.
// Online it reconciles a fresh server snapshot into the mirror. Offline, or when the backend
// fails, it serves the persisted mirror. Storage failures degrade to an empty list.
func (s *Session) Refresh(ctx context.Context, filter offers.Filter) ([]offers.TrainingOffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()

	merged := s.readMerged(ctx)
	view := filter.Apply(merged)
	s.views.Publish(view)
	return view, nil
}

// SubscribeOffers streams every list produced by Refresh.
func (s *Session) SubscribeOffers(ctx context.Context) (<-chan []offers.TrainingOffer, func()) {
	return s.views.Subscribe(ctx)
}

func (s *Session) readMerged(ctx context.Context) []offers.TrainingOffer {
	if s.monitor.Online() {
		merged, err := s.reconcileRemote(ctx)
		if err == nil {
			return merged
		}
		s.logError(opRefresh, "remote_failed", err)
	}

	merged, err := s.mirror.LoadOffline(ctx)
	if err != nil {
		s.logError(opRefresh, "mirror_read_failed", err)
		return []offers.TrainingOffer{}
	}
	return merged
}

func (s *Session) reconcileRemote(ctx context.Context) ([]offers.TrainingOffer, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	rows, err := s.backend.ListOffers(callCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	profile, err := s.profiles.Profile(ctx)
	if err != nil {
		s.logError(opRefresh, "profile_read_failed", err)
		profile = nil
	}
	if profile == nil {
		profile = s.learnProfile(ctx, rows)
	}

	return s.mirror.Reconcile(ctx, mirror.ReconcileInput{
		Rows:         rows,
		Owner:        s.userID,
		OwnerProfile: profile,
		Pending:      s.pendingPatches(profile),
	})
}

// learnProfile caches the profile embedded in the user's own rows so later offline reads can
// show it.
func (s *Session) learnProfile(ctx context.Context, rows []offers.TrainingOffer) *offers.Profile {
	for _, row := range rows {
		if row.Profiles == nil || !row.OwnedBy(s.userID) {
			continue
		}
		profile := *row.Profiles
		if err := s.profiles.RememberProfile(ctx, profile); err != nil {
			s.logError(opRefresh, "profile_cache_failed", err)
		}
		return &profile
	}
	return nil
}

// pendingPatches turns the queued operations into mirror patches so a reconcile keeps showing
// work the server has not seen.
func (s *Session) pendingPatches(profile *offers.Profile) []mirror.Patch {
	operations := s.queue.List()
	patches := make([]mirror.Patch, 0, len(operations))
	for _, op := range operations {
		if op.Entity != offers.EntityTrainingOffer {
			continue
		}
		switch op.Type {
		case queue.TypeCreate:
			payload, err := op.CreatePayload()
			if err != nil {
				s.logger.Warn("skipping unreadable queued create", zap.String("operation_id", op.ID), zap.Error(err))
				continue
			}
			patches = append(patches, mirror.Patch{
				Kind:  mirror.PatchCreate,
				Offer: payload.Draft.Placeholder(payload.LocalID, s.userID, profile, op.Timestamp),
				At:    op.Timestamp,
			})
		case queue.TypeUpdate:
			payload, err := op.UpdatePayload()
			if err != nil {
				s.logger.Warn("skipping unreadable queued update", zap.String("operation_id", op.ID), zap.Error(err))
				continue
			}
			patches = append(patches, mirror.Patch{Kind: mirror.PatchUpdate, ID: payload.ID, Updates: payload.Updates, At: op.Timestamp})
		case queue.TypeDelete:
			payload, err := op.DeletePayload()
			if err != nil {
				s.logger.Warn("skipping unreadable queued delete", zap.String("operation_id", op.ID), zap.Error(err))
				continue
			}
			patches = append(patches, mirror.Patch{Kind: mirror.PatchDelete, ID: payload.ID, At: op.Timestamp})
		}
	}
	return patches
}

// Offer looks up one offer in the persisted mirror.
func (s *Session) Offer(ctx context.Context, id offers.OfferID) (offers.TrainingOffer, error) {
	merged, err := s.mirror.LoadOffline(ctx)
	if err != nil {
		return offers.TrainingOffer{}, err
	}
	index := offers.IndexOf(merged, id)
	if index < 0 {
		return offers.TrainingOffer{}, ErrOfferNotFound
	}
	return merged[index], nil
}
