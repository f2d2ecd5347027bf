// Package syncer drains the operation queue against the remote backend.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/mirror"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/notify"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/queue"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/remote"
	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts is how many rejections an operation survives before it is dead-lettered.
	DefaultMaxAttempts = 5
	// DefaultCallTimeout bounds every remote call made during a drain.
	DefaultCallTimeout = 15 * time.Second

	opEngineNew = "syncer.engine.new"
	opDrain     = "syncer.drain"

	kindNetwork  = "network"
	kindRejected = "rejected"
)

var (
	errMissingQueue   = errors.New("queue is required")
	errMissingMirror  = errors.New("mirror is required")
	errMissingBackend = errors.New("backend is required")

	// ErrUnresolvedTarget indicates an operation still references an offer whose create never
	// reached the backend.
	ErrUnresolvedTarget = errors.New("syncer: target offer has not been created on the backend")
)

// EngineError carries a dotted operation.reason code.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the engine dependencies.
type Config struct {
	Queue   *queue.Queue
	Mirror  *mirror.Mirror
	Backend remote.Backend
	// MaxAttempts is the rejection budget per operation. Zero keeps rejected operations
	// queued forever.
	MaxAttempts int
	CallTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Completion is published after a drain leaves the queue empty.
type Completion struct {
	At     time.Time
	Synced int
}

// Result summarizes one Drain call.
type Result struct {
	Synced       int
	Failed       int
	DeadLettered int
	Remaining    int
	// Halted is set when a network failure stopped the pass.
	Halted bool
	// Coalesced is set when another drain was already running; it will make one more pass.
	Coalesced bool
}

func (r *Result) add(other Result) {
	r.Synced += other.Synced
	r.Failed += other.Failed
	r.DeadLettered += other.DeadLettered
	r.Remaining = other.Remaining
	r.Halted = other.Halted
}

// Engine runs guarded FIFO drains. At most one drain runs at a time; triggers that arrive
// during a drain are folded into a single follow-up pass.
type Engine struct {
	queue       *queue.Queue
	mirror      *mirror.Mirror
	backend     remote.Backend
	maxAttempts int
	callTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	draining bool
	rerun    bool
	inflight sync.WaitGroup

	completions *notify.Hub[Completion]
}

// NewEngine validates cfg and returns an idle engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, newEngineError(opEngineNew, "missing_queue", errMissingQueue)
	}
	if cfg.Mirror == nil {
		return nil, newEngineError(opEngineNew, "missing_mirror", errMissingMirror)
	}
	if cfg.Backend == nil {
		return nil, newEngineError(opEngineNew, "missing_backend", errMissingBackend)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		queue:       cfg.Queue,
		mirror:      cfg.Mirror,
		backend:     cfg.Backend,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		clock:       clock,
		logger:      logger,
		completions: notify.NewHub[Completion](),
	}, nil
}

// Draining reports whether a drain is in progress.
func (e *Engine) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// WhenIdle runs fn while no drain is in progress and holds off new drains until fn returns. It
// reports false without running fn when a drain is already running. fn must not call Drain.
func (e *Engine) WhenIdle(fn func() error) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return false, nil
	}
	return true, fn()
}

// Trigger starts a drain in the background.
func (e *Engine) Trigger() {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if _, err := e.Drain(context.Background()); err != nil {
			e.logError(opDrain, "background_drain_failed", err)
		}
	}()
}

// Wait blocks until every background drain started by Trigger has returned.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// SubscribeCompletions streams a Completion after every drain that empties the queue.
func (e *Engine) SubscribeCompletions(ctx context.Context) (<-chan Completion, func()) {
	return e.completions.Subscribe(ctx)
}

// Close ends every completion subscription.
func (e *Engine) Close() {
	e.completions.Close()
}

// Drain sends queued operations to the backend in FIFO order.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.draining {
		e.rerun = true
		e.mu.Unlock()
		return Result{Coalesced: true}, nil
	}
	e.draining = true
	e.mu.Unlock()

	var total Result
	var drainErr error
	for {
		result, err := e.pass(ctx)
		total.add(result)
		drainErr = err

		e.mu.Lock()
		again := e.rerun && err == nil && !result.Halted
		e.rerun = false
		if !again {
			e.draining = false
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()
	}

	if drainErr == nil && total.Remaining == 0 {
		e.completions.Publish(Completion{At: e.clock().UTC(), Synced: total.Synced})
	}
	return total, drainErr
}

func (e *Engine) pass(ctx context.Context) (Result, error) {
	started := e.clock()
	defer func() {
		drainDuration.Observe(e.clock().Sub(started).Seconds())
	}()

	var result Result
	remap := make(map[offers.OfferID]offers.OfferID)

	for _, snapshot := range e.queue.List() {
		if err := ctx.Err(); err != nil {
			result.Remaining = e.queue.Count()
			return result, newEngineError(opDrain, "cancelled", err)
		}
		op, ok := e.queue.Get(snapshot.ID)
		if !ok {
			continue
		}

		dispatchErr := e.dispatch(ctx, op, remap)
		if remote.IsApplied(dispatchErr) {
			e.logger.Warn("operation applied with unreadable response",
				zap.String("operation_id", op.ID),
				zap.String("type", string(op.Type)),
				zap.Error(dispatchErr))
			dispatchErr = nil
		}
		if dispatchErr == nil {
			if err := e.queue.Dequeue(ctx, op.ID); err != nil {
				e.logError(opDrain, "dequeue_failed", err, zap.String("operation_id", op.ID))
				result.Remaining = e.queue.Count()
				return result, newEngineError(opDrain, "dequeue_failed", err)
			}
			syncedCounter.WithLabelValues(string(op.Type)).Inc()
			result.Synced++
			continue
		}

		bumped, err := e.queue.BumpRetry(ctx, op.ID, dispatchErr)
		if err != nil {
			e.logError(opDrain, "bump_retry_failed", err, zap.String("operation_id", op.ID))
			result.Remaining = e.queue.Count()
			return result, newEngineError(opDrain, "bump_retry_failed", err)
		}

		if remote.IsNetwork(dispatchErr) {
			failedCounter.WithLabelValues(string(op.Type), kindNetwork).Inc()
			e.logger.Info("drain halted by network failure",
				zap.String("operation_id", op.ID),
				zap.Int("retry_count", bumped.RetryCount),
				zap.Error(dispatchErr))
			result.Failed++
			result.Halted = true
			break
		}

		failedCounter.WithLabelValues(string(op.Type), kindRejected).Inc()
		result.Failed++
		e.logger.Warn("operation rejected",
			zap.String("operation_id", op.ID),
			zap.String("type", string(op.Type)),
			zap.Int("retry_count", bumped.RetryCount),
			zap.Error(dispatchErr))

		if e.maxAttempts > 0 && bumped.RetryCount >= e.maxAttempts {
			reason := fmt.Sprintf("rejected %d times: %v", bumped.RetryCount, dispatchErr)
			if err := e.queue.DeadLetter(ctx, op.ID, reason); err != nil {
				e.logError(opDrain, "dead_letter_failed", err, zap.String("operation_id", op.ID))
				continue
			}
			deadLetteredCounter.WithLabelValues(string(op.Type)).Inc()
			result.DeadLettered++
		}
	}

	result.Remaining = e.queue.Count()
	queueLengthGauge.Set(float64(result.Remaining))
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, op queue.Operation, remap map[offers.OfferID]offers.OfferID) error {
	switch op.Type {
	case queue.TypeCreate:
		return e.dispatchCreate(ctx, op, remap)
	case queue.TypeUpdate:
		payload, err := op.UpdatePayload()
		if err != nil {
			return remote.Rejection(string(op.Type), 0, err)
		}
		target := e.resolve(remap, payload.ID)
		if target.IsPendingLocal() {
			return remote.Rejection(string(op.Type), 0, ErrUnresolvedTarget)
		}
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		_, err = e.backend.UpdateOffer(callCtx, target, payload.Updates)
		return err
	case queue.TypeDelete:
		payload, err := op.DeletePayload()
		if err != nil {
			return remote.Rejection(string(op.Type), 0, err)
		}
		target := e.resolve(remap, payload.ID)
		if target.IsPendingLocal() {
			return e.discardLocal(ctx, op, target)
		}
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		return e.backend.DeleteOffer(callCtx, target)
	default:
		return remote.Rejection(string(op.Type), 0, fmt.Errorf("%w: unknown type %q", queue.ErrInvalidPayload, op.Type))
	}
}

func (e *Engine) dispatchCreate(ctx context.Context, op queue.Operation, remap map[offers.OfferID]offers.OfferID) error {
	payload, err := op.CreatePayload()
	if err != nil {
		return remote.Rejection(string(op.Type), 0, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	created, err := e.backend.CreateOffer(callCtx, payload.Draft)
	if remote.IsApplied(err) {
		// The row exists under an id we never learned; the next refresh brings it in.
		if applyErr := e.mirror.Apply(ctx, mirror.Patch{Kind: mirror.PatchDelete, ID: payload.LocalID}); applyErr != nil {
			e.logError(opDrain, "mirror_discard_failed", applyErr, zap.String("local_id", payload.LocalID.String()))
		}
		return err
	}
	if err != nil {
		return err
	}

	// From here on the backend holds the row; local bookkeeping failures must not requeue it.
	remap[payload.LocalID] = created.ID
	if err := e.mirror.Confirm(ctx, payload.LocalID, created); err != nil {
		e.logError(opDrain, "mirror_confirm_failed", err,
			zap.String("local_id", payload.LocalID.String()),
			zap.String("offer_id", created.ID.String()))
	}
	if _, err := e.queue.Retarget(ctx, payload.LocalID, created.ID); err != nil {
		e.logError(opDrain, "retarget_failed", err,
			zap.String("local_id", payload.LocalID.String()),
			zap.String("offer_id", created.ID.String()))
	}
	return nil
}

// discardLocal handles a delete whose target never reached the backend: the offer is dropped
// locally together with any create still waiting for it.
func (e *Engine) discardLocal(ctx context.Context, op queue.Operation, target offers.OfferID) error {
	for _, queued := range e.queue.List() {
		if queued.Type != queue.TypeCreate {
			continue
		}
		payload, err := queued.CreatePayload()
		if err != nil || payload.LocalID != target {
			continue
		}
		if err := e.queue.Dequeue(ctx, queued.ID); err != nil {
			return err
		}
	}
	if err := e.mirror.Apply(ctx, mirror.Patch{Kind: mirror.PatchDelete, ID: target}); err != nil {
		return err
	}
	e.logger.Debug("discarded unsynced offer",
		zap.String("operation_id", op.ID),
		zap.String("local_id", target.String()))
	return nil
}

// resolve maps a pending-local id to its server id, first from this pass and then from
// confirmations of earlier passes.
func (e *Engine) resolve(remap map[offers.OfferID]offers.OfferID, id offers.OfferID) offers.OfferID {
	if mapped, ok := remap[id]; ok {
		return mapped
	}
	return e.mirror.Resolve(id)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
