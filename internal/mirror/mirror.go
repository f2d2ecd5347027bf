// Package mirror keeps the locally persisted view of training offers: the merged list shown to
// the user and the subset of offers created on this device that the server has not confirmed.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/storage"
	"go.uber.org/zap"
)

const (
	// KeyMerged stores the merged list.
	KeyMerged = "offline_training_offers"
	// KeyOfflineOnly stores offers created on this device and not yet confirmed.
	KeyOfflineOnly = "offline_created_offers"
)

var (
	// ErrUnknownPatch indicates an unsupported patch kind.
	ErrUnknownPatch = errors.New("mirror: unknown patch kind")

	errMissingStore = errors.New("mirror: store is required")
)

// PatchKind enumerates optimistic mutations.
type PatchKind int

const (
	// PatchCreate inserts a new offer.
	PatchCreate PatchKind = iota + 1
	// PatchUpdate applies partial updates to an offer.
	PatchUpdate
	// PatchDelete removes an offer.
	PatchDelete
)

// Patch is one optimistic mutation. Offer is used by creates; ID and Updates by updates and
// deletes. At is when the mutation was made on this device.
type Patch struct {
	Kind    PatchKind
	Offer   offers.TrainingOffer
	ID      offers.OfferID
	Updates offers.Updates
	At      time.Time
}

// ReconcileInput carries a fresh server snapshot and the mutations still waiting to sync.
type ReconcileInput struct {
	Rows         []offers.TrainingOffer
	Owner        offers.UserID
	OwnerProfile *offers.Profile
	Pending      []Patch
}

// Config describes the mirror dependencies.
type Config struct {
	Store  storage.Store
	Logger *zap.Logger
}

// Mirror owns both persisted lists. Every mutation reads, changes and writes both lists under
// one lock and one atomic store batch.
type Mirror struct {
	mu     sync.Mutex
	store  storage.Store
	logger *zap.Logger
	// confirmed maps pending-local ids to the server record that replaced them, so a
	// reconcile racing a drain does not resurrect placeholders.
	confirmed map[offers.OfferID]offers.TrainingOffer
}

// New constructs a Mirror.
func New(cfg Config) (*Mirror, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		store:     cfg.Store,
		logger:    logger,
		confirmed: make(map[offers.OfferID]offers.TrainingOffer),
	}, nil
}

// Reconcile merges a server snapshot with the locally known state, persists the result and
// returns the merged list sorted newest first.
func (m *Mirror) Reconcile(ctx context.Context, input ReconcileInput) ([]offers.TrainingOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, offlineOnly, err := m.read(ctx)
	if err != nil {
		return nil, err
	}

	serverIDs := make(map[offers.OfferID]struct{}, len(input.Rows))
	merged := make([]offers.TrainingOffer, 0, len(input.Rows)+len(offlineOnly))
	for _, row := range input.Rows {
		if row.Profiles == nil && input.OwnerProfile != nil && row.OwnedBy(input.Owner) {
			profile := *input.OwnerProfile
			row.Profiles = &profile
		}
		serverIDs[row.ID] = struct{}{}
		merged = append(merged, row)
	}

	keptOfflineOnly := make([]offers.TrainingOffer, 0, len(offlineOnly))
	for _, offer := range offlineOnly {
		if !offer.ID.IsPendingLocal() {
			continue
		}
		if _, confirmed := serverIDs[offer.ID]; confirmed {
			continue
		}
		if _, confirmed := m.confirmed[offer.ID]; confirmed {
			continue
		}
		keptOfflineOnly = append(keptOfflineOnly, offer)
		merged = append(merged, offer)
	}

	merged = overlayPending(merged, input.Pending, m.confirmed)
	offers.SortNewestFirst(merged)
	m.pruneConfirmed(serverIDs, input.Pending)

	if err := m.write(ctx, merged, keptOfflineOnly); err != nil {
		return nil, err
	}
	return merged, nil
}

// LoadOffline returns the persisted merged list plus offline-only offers it lacks, sorted
// newest first.
func (m *Mirror) LoadOffline(ctx context.Context) ([]offers.TrainingOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, offlineOnly, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	for _, offer := range offlineOnly {
		if offers.IndexOf(merged, offer.ID) < 0 {
			merged = append(merged, offer)
		}
	}
	offers.SortNewestFirst(merged)
	return merged, nil
}

// Apply performs one optimistic mutation on both lists.
func (m *Mirror) Apply(ctx context.Context, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, offlineOnly, err := m.read(ctx)
	if err != nil {
		return err
	}

	switch patch.Kind {
	case PatchUpdate, PatchDelete:
		patch.ID = redirect(patch.ID, m.confirmed)
	}

	switch patch.Kind {
	case PatchCreate:
		if offers.IndexOf(merged, patch.Offer.ID) < 0 {
			merged = slices.Insert(merged, 0, patch.Offer)
		}
		if offers.IndexOf(offlineOnly, patch.Offer.ID) < 0 {
			offlineOnly = slices.Insert(offlineOnly, 0, patch.Offer)
		}
	case PatchUpdate:
		merged = applyUpdate(merged, patch)
		offlineOnly = applyUpdate(offlineOnly, patch)
	case PatchDelete:
		merged = removeID(merged, patch.ID)
		offlineOnly = removeID(offlineOnly, patch.ID)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownPatch, patch.Kind)
	}
	return m.write(ctx, merged, offlineOnly)
}

// Confirm replaces the pending-local placeholder localID with the server record. A placeholder
// deleted locally stays deleted; the record is only remembered so later edits resolve to it.
func (m *Mirror) Confirm(ctx context.Context, localID offers.OfferID, confirmed offers.TrainingOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, offlineOnly, err := m.read(ctx)
	if err != nil {
		return err
	}

	placeholder := offers.IndexOf(merged, localID)
	existing := offers.IndexOf(merged, confirmed.ID)
	switch {
	case existing >= 0:
		merged[existing] = confirmed
		merged = removeID(merged, localID)
	case placeholder >= 0:
		if confirmed.Profiles == nil {
			confirmed.Profiles = merged[placeholder].Profiles
		}
		merged[placeholder] = confirmed
	}
	offlineOnly = removeID(offlineOnly, localID)
	offers.SortNewestFirst(merged)
	m.confirmed[localID] = confirmed

	return m.write(ctx, merged, offlineOnly)
}

// Resolve returns the server id that replaced the pending-local id, or id itself when the offer
// has not been confirmed during this session.
func (m *Mirror) Resolve(id offers.OfferID) offers.OfferID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return redirect(id, m.confirmed)
}

// pruneConfirmed forgets confirmations the server snapshot already reflects and no pending
// patch still refers to.
func (m *Mirror) pruneConfirmed(serverIDs map[offers.OfferID]struct{}, pending []Patch) {
	for localID, record := range m.confirmed {
		if _, listed := serverIDs[record.ID]; !listed {
			continue
		}
		referenced := slices.ContainsFunc(pending, func(patch Patch) bool {
			return patch.ID == localID || patch.Offer.ID == localID
		})
		if !referenced {
			delete(m.confirmed, localID)
		}
	}
}

// Clear removes both persisted lists.
func (m *Mirror) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Apply(ctx, storage.Delete(KeyMerged), storage.Delete(KeyOfflineOnly)); err != nil {
		return err
	}
	m.confirmed = make(map[offers.OfferID]offers.TrainingOffer)
	return nil
}

func (m *Mirror) read(ctx context.Context) ([]offers.TrainingOffer, []offers.TrainingOffer, error) {
	merged, _, err := storage.Load[[]offers.TrainingOffer](ctx, m.store, KeyMerged)
	if err != nil {
		m.logger.Error("mirror read failed", zap.String("key", KeyMerged), zap.Error(err))
		return nil, nil, fmt.Errorf("mirror: read merged list: %w", err)
	}
	offlineOnly, _, err := storage.Load[[]offers.TrainingOffer](ctx, m.store, KeyOfflineOnly)
	if err != nil {
		m.logger.Error("mirror read failed", zap.String("key", KeyOfflineOnly), zap.Error(err))
		return nil, nil, fmt.Errorf("mirror: read offline-only list: %w", err)
	}
	return merged, offlineOnly, nil
}

func (m *Mirror) write(ctx context.Context, merged, offlineOnly []offers.TrainingOffer) error {
	if merged == nil {
		merged = []offers.TrainingOffer{}
	}
	if offlineOnly == nil {
		offlineOnly = []offers.TrainingOffer{}
	}
	err := m.store.Apply(ctx, storage.Put(KeyMerged, merged), storage.Put(KeyOfflineOnly, offlineOnly))
	if err != nil {
		m.logger.Error("mirror write failed", zap.Error(err))
		return fmt.Errorf("mirror: persist: %w", err)
	}
	return nil
}

func applyUpdate(list []offers.TrainingOffer, patch Patch) []offers.TrainingOffer {
	index := offers.IndexOf(list, patch.ID)
	if index < 0 {
		return list
	}
	updated := patch.Updates.ApplyTo(list[index])
	if !patch.At.IsZero() {
		updated.UpdatedAt = patch.At.UTC()
	}
	list[index] = updated
	return list
}

func removeID(list []offers.TrainingOffer, id offers.OfferID) []offers.TrainingOffer {
	return slices.DeleteFunc(list, func(offer offers.TrainingOffer) bool {
		return offer.ID == id
	})
}
