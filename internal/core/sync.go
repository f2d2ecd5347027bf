package core

import (
	"context"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/connectivity"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/queue"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/syncer"
)

// QueueSnapshot returns the queued operations in FIFO order.
func (s *Session) QueueSnapshot() []queue.Operation {
	return s.queue.List()
}

// QueueCount returns the number of queued operations.
func (s *Session) QueueCount() int {
	return s.queue.Count()
}

// SubscribeQueue streams the queue contents after every change.
func (s *Session) SubscribeQueue(ctx context.Context) (<-chan []queue.Operation, func()) {
	return s.queue.Subscribe(ctx)
}

// SubscribeSyncComplete streams one event per drain that leaves the queue empty.
func (s *Session) SubscribeSyncComplete(ctx context.Context) (<-chan syncer.Completion, func()) {
	return s.engine.SubscribeCompletions(ctx)
}

// Syncing reports whether a drain is running.
func (s *Session) Syncing() bool {
	return s.engine.Draining()
}

// Sync drains the queue now. It fails with ErrOffline when the monitor reports offline.
func (s *Session) Sync(ctx context.Context) (syncer.Result, error) {
	if !s.monitor.Online() {
		return syncer.Result{}, newServiceError(opSync, "offline", ErrOffline)
	}
	end, err := s.beginWrite(opSync)
	if err != nil {
		return syncer.Result{}, err
	}
	defer end()
	result, err := s.engine.Drain(ctx)
	if err != nil {
		s.logError(opSync, "drain_failed", err)
		return result, newServiceError(opSync, "drain_failed", err)
	}
	return result, nil
}

// DeadLetters returns operations moved aside after exhausting their rejection budget.
func (s *Session) DeadLetters() []queue.FailedOperation {
	return s.queue.DeadLetters()
}

// RetryDeadLetters moves dead letters back to the tail of the queue and starts a drain when
// online.
func (s *Session) RetryDeadLetters(ctx context.Context) (int, error) {
	end, err := s.beginWrite(opSync)
	if err != nil {
		return 0, err
	}
	defer end()
	moved, err := s.queue.RequeueDeadLetters(ctx)
	if err != nil {
		s.logError(opSync, "requeue_failed", err)
		return 0, newServiceError(opSync, "requeue_failed", err)
	}
	if moved > 0 {
		s.triggerIfOnline()
	}
	return moved, nil
}

// SubscribeConnectivity streams connectivity transitions.
func (s *Session) SubscribeConnectivity(ctx context.Context) (<-chan connectivity.Transition, func()) {
	return s.monitor.Subscribe(ctx)
}
