// Package queue implements the durable FIFO of mutations awaiting remote confirmation.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/notify"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/storage"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	// KeyPending stores the pending operations.
	KeyPending = "pending_operations_queue"
	// KeyFailed stores dead-lettered operations.
	KeyFailed = "failed_operations_queue"

	idPrefix = "op_"
)

var (
	// ErrNotFound indicates that no queued operation has the requested id.
	ErrNotFound = errors.New("queue: operation not found")

	errMissingStore = errors.New("queue: store is required")
	errMissingType  = errors.New("queue: operation type is required")
)

// Config describes the queue dependencies.
type Config struct {
	Store   storage.Store
	Clock   func() time.Time
	Entropy io.Reader
	Logger  *zap.Logger
}

// Queue is the persisted operation list. Every mutation runs under one lock and returns only
// after the store write completed, so concurrent callers never lose each other's writes.
type Queue struct {
	mu      sync.Mutex
	store   storage.Store
	clock   func() time.Time
	entropy io.Reader
	logger  *zap.Logger
	ops     []Operation
	dead    []FailedOperation
	hub     *notify.Hub[[]Operation]
}

// New loads the persisted queue from cfg.Store.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	entropy := cfg.Entropy
	if entropy == nil {
		entropy = ulid.Monotonic(rand.Reader, 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{
		store:   cfg.Store,
		clock:   clock,
		entropy: entropy,
		logger:  logger,
		hub:     notify.NewHub[[]Operation](),
	}
	q.ops = q.load(ctx, KeyPending)
	failed, _, err := storage.Load[[]FailedOperation](ctx, cfg.Store, KeyFailed)
	if err != nil {
		logger.Warn("discarding unreadable dead letters", zap.Error(err))
	}
	q.dead = failed
	return q, nil
}

// load treats an unreadable list as empty.
func (q *Queue) load(ctx context.Context, key string) []Operation {
	ops, _, err := storage.Load[[]Operation](ctx, q.store, key)
	if err != nil {
		q.logger.Warn("discarding unreadable operation queue", zap.String("key", key), zap.Error(err))
		return nil
	}
	return ops
}

// Enqueue appends a new operation and returns it.
func (q *Queue) Enqueue(ctx context.Context, request NewOperation) (Operation, error) {
	if request.Type == "" {
		return Operation{}, errMissingType
	}
	data, err := json.Marshal(request.Data)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock().UTC()
	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		return Operation{}, fmt.Errorf("queue: generate id: %w", err)
	}
	op := Operation{
		ID:        idPrefix + id.String(),
		Type:      request.Type,
		Entity:    request.Entity,
		Data:      data,
		Timestamp: now,
	}
	next := append(slices.Clone(q.ops), op)
	if err := q.commit(ctx, next, nil); err != nil {
		return Operation{}, err
	}
	q.logger.Debug("operation enqueued",
		zap.String("operation_id", op.ID),
		zap.String("type", string(op.Type)),
		zap.Int("queue_length", len(next)))
	return op, nil
}

// Dequeue removes the operation with id. Removing an unknown id is a no-op.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	index := q.indexOf(id)
	if index < 0 {
		return nil
	}
	next := slices.Delete(slices.Clone(q.ops), index, index+1)
	return q.commit(ctx, next, nil)
}

// BumpRetry increments the retry count of id and records cause.
func (q *Queue) BumpRetry(ctx context.Context, id string, cause error) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	index := q.indexOf(id)
	if index < 0 {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := slices.Clone(q.ops)
	next[index].RetryCount++
	if cause != nil {
		next[index].LastError = cause.Error()
	}
	if err := q.commit(ctx, next, nil); err != nil {
		return Operation{}, err
	}
	return next[index], nil
}

// Retarget rewrites queued updates and deletes that reference from so they reference to.
// It returns the number of operations rewritten.
func (q *Queue) Retarget(ctx context.Context, from, to offers.OfferID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := slices.Clone(q.ops)
	changed := 0
	for i, op := range next {
		rewritten, ok, err := op.retarget(from, to)
		if err != nil {
			q.logger.Warn("skipping operation with unreadable payload",
				zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}
		if ok {
			next[i] = rewritten
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	if err := q.commit(ctx, next, nil); err != nil {
		return 0, err
	}
	return changed, nil
}

// Get returns the operation with id.
func (q *Queue) Get(id string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := q.indexOf(id)
	if index < 0 {
		return Operation{}, false
	}
	return q.ops[index], true
}

// List returns the operations in FIFO order.
func (q *Queue) List() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.ops)
}

// Count returns the number of queued operations.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear drops every queued operation and removes the persisted key.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Remove(ctx, KeyPending); err != nil {
		return err
	}
	q.ops = nil
	q.hub.Publish(nil)
	return nil
}

// DeadLetter moves id from the queue to the dead-letter list in one store write.
func (q *Queue) DeadLetter(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	index := q.indexOf(id)
	if index < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	failed := FailedOperation{Operation: q.ops[index], Reason: reason, FailedAt: q.clock().UTC()}
	next := slices.Delete(slices.Clone(q.ops), index, index+1)
	dead := append(slices.Clone(q.dead), failed)
	if err := q.commit(ctx, next, dead); err != nil {
		return err
	}
	q.logger.Warn("operation dead-lettered",
		zap.String("operation_id", id),
		zap.String("type", string(failed.Operation.Type)),
		zap.Int("retry_count", failed.Operation.RetryCount),
		zap.String("reason", reason))
	return nil
}

// DeadLetters returns the dead-lettered operations, oldest first.
func (q *Queue) DeadLetters() []FailedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.dead)
}

// RequeueDeadLetters appends every dead-lettered operation back to the queue tail with its
// retry count reset. It returns how many were requeued.
func (q *Queue) RequeueDeadLetters(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.dead) == 0 {
		return 0, nil
	}
	next := slices.Clone(q.ops)
	for _, failed := range q.dead {
		op := failed.Operation
		op.RetryCount = 0
		op.LastError = ""
		next = append(next, op)
	}
	count := len(q.dead)
	if err := q.commit(ctx, next, []FailedOperation{}); err != nil {
		return 0, err
	}
	return count, nil
}

// ClearDeadLetters drops the dead-letter list and removes its key.
func (q *Queue) ClearDeadLetters(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Remove(ctx, KeyFailed); err != nil {
		return err
	}
	q.dead = nil
	return nil
}

// Subscribe streams a snapshot of the queue after every mutation.
func (q *Queue) Subscribe(ctx context.Context) (<-chan []Operation, func()) {
	return q.hub.Subscribe(ctx)
}

// Close ends every subscription.
func (q *Queue) Close() {
	q.hub.Close()
}

func (q *Queue) indexOf(id string) int {
	return slices.IndexFunc(q.ops, func(op Operation) bool {
		return op.ID == id
	})
}

// commit persists next (and dead, when non-nil) and then swaps the in-memory state.
// Callers hold q.mu.
func (q *Queue) commit(ctx context.Context, next []Operation, dead []FailedOperation) error {
	if next == nil {
		next = []Operation{}
	}
	writes := []storage.Write{storage.Put(KeyPending, next)}
	if dead != nil {
		writes = append(writes, storage.Put(KeyFailed, dead))
	}
	if err := q.store.Apply(ctx, writes...); err != nil {
		q.logger.Error("queue persist failed", zap.Error(err))
		return fmt.Errorf("queue: persist: %w", err)
	}
	q.ops = next
	if dead != nil {
		q.dead = dead
	}
	q.hub.Publish(slices.Clone(next))
	return nil
}
