// Package core exposes the offline-first session that pages use to read and write training
// offers. It routes writes to the backend or the operation queue depending on connectivity and
// keeps the local mirror consistent with both.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/connectivity"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/mirror"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/notify"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/queue"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/remote"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/storage"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/syncer"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/users"
	"go.uber.org/zap"
)

// DefaultParticipantLimit is how many participants are fetched when no limit is given.
const DefaultParticipantLimit = 10

var noOpLogger = zap.NewNop()

// SessionConfig describes the collaborators of a signed-in session. Store must already be
// scoped to the user.
type SessionConfig struct {
	UserID      offers.UserID
	Store       storage.Store
	Backend     remote.Backend
	Monitor     *connectivity.Monitor
	Profiles    *users.Service
	IDProvider  offers.IDProvider
	MaxAttempts int
	CallTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Session is the state holder for one signed-in user. It is created at sign-in, started once
// and torn down by SignOut.
type Session struct {
	userID      offers.UserID
	backend     remote.Backend
	monitor     *connectivity.Monitor
	profiles    *users.Service
	idProvider  offers.IDProvider
	queue       *queue.Queue
	mirror      *mirror.Mirror
	engine      *syncer.Engine
	callTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	views       *notify.Hub[[]offers.TrainingOffer]

	mu       sync.Mutex
	filter   offers.Filter
	started  bool
	closed   bool
	stop     context.CancelFunc
	// lifecycle is held shared by queue-touching calls and exclusively while SignOut closes the
	// session.
	lifecycle sync.RWMutex
	watchers sync.WaitGroup
}

// NewSession wires the queue, mirror and sync engine for cfg.UserID.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.UserID == "" {
		return nil, newServiceError(opSessionNew, "missing_user_id", errMissingUserID)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opSessionNew, "missing_store", errMissingStore)
	}
	if cfg.Backend == nil {
		return nil, newServiceError(opSessionNew, "missing_backend", errMissingBackend)
	}
	if cfg.Monitor == nil {
		return nil, newServiceError(opSessionNew, "missing_monitor", errMissingMonitor)
	}
	if cfg.Profiles == nil {
		return nil, newServiceError(opSessionNew, "missing_profiles", errMissingProfiles)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opSessionNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	logger = logger.With(zap.String("user_id", cfg.UserID.String()))
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = syncer.DefaultCallTimeout
	}

	operationQueue, err := queue.New(ctx, queue.Config{Store: cfg.Store, Clock: clock, Logger: logger})
	if err != nil {
		return nil, newServiceError(opSessionNew, "queue_init_failed", err)
	}
	localMirror, err := mirror.New(mirror.Config{Store: cfg.Store, Logger: logger})
	if err != nil {
		return nil, newServiceError(opSessionNew, "mirror_init_failed", err)
	}
	engine, err := syncer.NewEngine(syncer.Config{
		Queue:       operationQueue,
		Mirror:      localMirror,
		Backend:     cfg.Backend,
		MaxAttempts: cfg.MaxAttempts,
		CallTimeout: callTimeout,
		Clock:       clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, newServiceError(opSessionNew, "engine_init_failed", err)
	}

	return &Session{
		userID:      cfg.UserID,
		backend:     cfg.Backend,
		monitor:     cfg.Monitor,
		profiles:    cfg.Profiles,
		idProvider:  cfg.IDProvider,
		queue:       operationQueue,
		mirror:      localMirror,
		engine:      engine,
		callTimeout: callTimeout,
		clock:       clock,
		logger:      logger,
		views:       notify.NewHub[[]offers.TrainingOffer](),
	}, nil
}

// UserID returns the signed-in user.
func (s *Session) UserID() offers.UserID {
	return s.userID
}

// Online reports the monitor state.
func (s *Session) Online() bool {
	return s.monitor.Online()
}

// Start wires connectivity transitions and sync completions. Going online triggers a drain, and
// so does every later online report while operations are queued. Going offline reloads from the
// mirror, and every completed drain refreshes the list.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newServiceError(opWatch, "closed", ErrSignedOut)
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.started = true
	s.mu.Unlock()

	transitions, stopTransitions := s.monitor.Subscribe(watchCtx)
	completions, stopCompletions := s.engine.SubscribeCompletions(watchCtx)

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer stopTransitions()
		defer stopCompletions()
		for {
			select {
			case <-watchCtx.Done():
				return
			case transition, ok := <-transitions:
				if !ok {
					return
				}
				if transition.Online {
					if transition.Changed || s.queue.Count() > 0 {
						s.engine.Trigger()
					}
					continue
				}
				if !transition.Changed {
					continue
				}
				if _, err := s.Refresh(watchCtx, s.currentFilter()); err != nil {
					s.logError(opWatch, "offline_reload_failed", err)
				}
			case completion, ok := <-completions:
				if !ok {
					return
				}
				s.logger.Debug("sync complete", zap.Int("synced", completion.Synced))
				if _, err := s.Refresh(watchCtx, s.currentFilter()); err != nil {
					s.logError(opWatch, "post_sync_refresh_failed", err)
				}
			}
		}
	}()

	if s.monitor.Online() {
		s.engine.Trigger()
	}
	return nil
}

func (s *Session) halt() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.started = false
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.watchers.Wait()
	s.engine.Wait()
}

// SignOut stops the watchers, waits for in-flight drains and clears every key the session owns.
func (s *Session) SignOut(ctx context.Context) error {
	s.lifecycle.Lock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.lifecycle.Unlock()
	s.halt()

	if err := s.queue.Clear(ctx); err != nil {
		s.logError(opSignOut, "queue_clear_failed", err)
		return newServiceError(opSignOut, "queue_clear_failed", err)
	}
	if err := s.queue.ClearDeadLetters(ctx); err != nil {
		s.logError(opSignOut, "dead_letter_clear_failed", err)
		return newServiceError(opSignOut, "dead_letter_clear_failed", err)
	}
	if err := s.mirror.Clear(ctx); err != nil {
		s.logError(opSignOut, "mirror_clear_failed", err)
		return newServiceError(opSignOut, "mirror_clear_failed", err)
	}
	if err := s.profiles.Forget(ctx); err != nil {
		s.logError(opSignOut, "profile_clear_failed", err)
		return newServiceError(opSignOut, "profile_clear_failed", err)
	}

	s.queue.Close()
	s.engine.Close()
	s.views.Close()
	s.logger.Info("signed out")
	return nil
}

// Close stops background work without clearing local state.
func (s *Session) Close() {
	s.halt()
	s.queue.Close()
	s.engine.Close()
	s.views.Close()
}

// beginWrite admits a queue-touching call unless the session is signed out. The returned func
// ends the call.
func (s *Session) beginWrite(operation string) (func(), error) {
	s.lifecycle.RLock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.lifecycle.RUnlock()
		return nil, newServiceError(operation, "signed_out", ErrSignedOut)
	}
	return s.lifecycle.RUnlock, nil
}

func (s *Session) currentFilter() offers.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *Session) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Session) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("session error", attrs...)
}
