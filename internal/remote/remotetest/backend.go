// Package remotetest provides an in-memory remote.Backend for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/remote"
)

// Method names recorded in Calls.
const (
	MethodList              = "list_offers"
	MethodCreate            = "create_offer"
	MethodUpdate            = "update_offer"
	MethodDelete            = "delete_offer"
	MethodJoin              = "join_offer"
	MethodLeave             = "leave_offer"
	MethodListParticipants  = "list_participants"
	MethodRemoveParticipant = "remove_participant"
	MethodPing              = "ping"
)

var errNotFound = errors.New("row not found")

// Call records one backend invocation.
type Call struct {
	Method  string
	OfferID offers.OfferID
	Draft   offers.Draft
}

// Backend keeps offers in memory and records every call.
type Backend struct {
	mu           sync.Mutex
	userID       offers.UserID
	profile      *offers.Profile
	clock        func() time.Time
	rows         []offers.TrainingOffer
	participants map[string][]offers.Participant
	calls        []Call
	offline      bool
	failures     map[string][]error
	sequence     int
}

// NewBackend returns a fake acting on behalf of userID.
func NewBackend(userID offers.UserID) *Backend {
	return &Backend{
		userID:       userID,
		clock:        time.Now,
		participants: make(map[string][]offers.Participant),
		failures:     make(map[string][]error),
	}
}

// SetClock replaces the clock used for created_at/updated_at.
func (b *Backend) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// SetProfile sets the profile embedded in rows owned by the acting user. Nil omits it.
func (b *Backend) SetProfile(profile *offers.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profile = profile
}

// SetOffline makes every call fail with a network error while offline is true.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// FailNext queues err as the result of the next call to method.
func (b *Backend) FailNext(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = append(b.failures[method], err)
}

// Seed inserts rows as if they already existed on the server.
func (b *Backend) Seed(rows ...offers.TrainingOffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, rows...)
}

// Rows returns a copy of the server-side offers.
func (b *Backend) Rows() []offers.TrainingOffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.rows)
}

// Calls returns every recorded call.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// CallsTo returns the recorded calls to method.
func (b *Backend) CallsTo(method string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []Call
	for _, call := range b.calls {
		if call.Method == method {
			matched = append(matched, call)
		}
	}
	return matched
}

// ResetCalls forgets recorded calls.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

func (b *Backend) begin(ctx context.Context, call Call) error {
	b.calls = append(b.calls, call)
	if err := ctx.Err(); err != nil {
		return remote.NetworkError(call.Method, err)
	}
	if b.offline {
		return remote.NetworkError(call.Method, errors.New("network unreachable"))
	}
	if queued := b.failures[call.Method]; len(queued) > 0 {
		b.failures[call.Method] = queued[1:]
		return queued[0]
	}
	if call.OfferID.IsPendingLocal() {
		return remote.Rejection(call.Method, 0, remote.ErrPendingLocalID)
	}
	return nil
}

func (b *Backend) indexOf(id offers.OfferID) int {
	return offers.IndexOf(b.rows, id)
}

func (b *Backend) decorate(offer offers.TrainingOffer) offers.TrainingOffer {
	list := b.participants[offer.ID.String()]
	offer.ParticipantCount = len(list)
	offer.IsParticipating = slices.ContainsFunc(list, func(p offers.Participant) bool {
		return p.UserID == b.userID.String()
	})
	return offer
}

func (b *Backend) ListOffers(ctx context.Context) ([]offers.TrainingOffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(ctx, Call{Method: MethodList}); err != nil {
		return nil, err
	}
	list := make([]offers.TrainingOffer, 0, len(b.rows))
	for _, row := range b.rows {
		list = append(list, b.decorate(row))
	}
	offers.SortNewestFirst(list)
	return list, nil
}

func (b *Backend) CreateOffer(ctx context.Context, draft offers.Draft) (offers.TrainingOffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(ctx, Call{Method: MethodCreate, Draft: draft}); err != nil {
		return offers.TrainingOffer{}, err
	}
	b.sequence++
	now := b.clock().UTC()
	offer := draft.Placeholder(offers.ConfirmedID(fmt.Sprintf("srv-%d", b.sequence)), b.userID, b.profile, now)
	b.rows = append(b.rows, offer)
	return b.decorate(offer), nil
}

func (b *Backend) UpdateOffer(ctx context.Context, id offers.OfferID, updates offers.Updates) (offers.TrainingOffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(ctx, Call{Method: MethodUpdate, OfferID: id}); err != nil {
		return offers.TrainingOffer{}, err
	}
	index := b.indexOf(id)
	if index < 0 {
		return offers.TrainingOffer{}, remote.Rejection(MethodUpdate, 404, errNotFound)
	}
	updated := updates.ApplyTo(b.rows[index])
	updated.UpdatedAt = b.clock().UTC()
	b.rows[index] = updated
	return b.decorate(updated), nil
}

func (b *Backend) DeleteOffer(ctx context.Context, id offers.OfferID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(ctx, Call{Method: MethodDelete, OfferID: id}); err != nil {
		return err
	}
	if index := b.indexOf(id); index >= 0 {
		b.rows = slices.Delete(b.rows, index, index+1)
	}
	delete(b.participants, id.String())
	return nil
}

func (b *Backend) JoinOffer(ctx context.Context, id offers.OfferID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(ctx, Call{Method: MethodJoin, OfferID: id}); err != nil {
		return err
	}
	if b.indexOf(id) < 0 {
		return remote.Rejection(MethodJoin, 404, errNotFound)
	}
	b.sequence++
	b.participants[id.String()] = append(b.participants[id.String()], offers.Participant{
		ID:              fmt.Sprintf("participant-%d", b.sequence),
		TrainingOfferID: id.String(),
		UserID:          b.userID.String(),
		CreatedAt:       b.clock().UTC(),
		Profiles:        b.profile,
	})
	return nil
}

func (b *Backend) LeaveOffer(ctx context.Context, id offers.OfferID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(ctx, Call{Method: MethodLeave, OfferID: id}); err != nil {
		return err
	}
	b.removeParticipant(id, b.userID.String())
	return nil
}

// AddParticipant registers userID as a participant without recording a call.
func (b *Backend) AddParticipant(id offers.OfferID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequence++
	b.participants[id.String()] = append(b.participants[id.String()], offers.Participant{
		ID:              fmt.Sprintf("participant-%d", b.sequence),
		TrainingOfferID: id.String(),
		UserID:          userID,
		CreatedAt:       b.clock().UTC(),
	})
}

func (b *Backend) ListParticipants(ctx context.Context, id offers.OfferID, limit int) ([]offers.Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(ctx, Call{Method: MethodListParticipants, OfferID: id}); err != nil {
		return nil, err
	}
	list := slices.Clone(b.participants[id.String()])
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (b *Backend) RemoveParticipant(ctx context.Context, id offers.OfferID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(ctx, Call{Method: MethodRemoveParticipant, OfferID: id}); err != nil {
		return err
	}
	b.removeParticipant(id, userID)
	return nil
}

func (b *Backend) removeParticipant(id offers.OfferID, userID string) {
	list := b.participants[id.String()]
	b.participants[id.String()] = slices.DeleteFunc(list, func(p offers.Participant) bool {
		return p.UserID == userID
	})
}

func (b *Backend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.begin(ctx, Call{Method: MethodPing})
}

var _ remote.Backend = (*Backend)(nil)
