package main

import (
	"context"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/auth"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/config"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/connectivity"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/core"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/remote"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/storage"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/users"
	"go.uber.org/zap"
)

// runtime bundles the collaborators shared by every command.
type runtime struct {
	store   io.Closer
	monitor *connectivity.Monitor
	prober  *connectivity.Prober
	session *core.Session
}

func openRuntime(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*runtime, error) {
	claims, err := auth.NewTokenInspector(auth.TokenInspectorConfig{Leeway: appConfig.TokenLeeway}).Inspect(appConfig.AccessToken)
	if err != nil {
		return nil, err
	}
	userID, err := offers.NewUserID(claims.UserID())
	if err != nil {
		return nil, err
	}

	rootStore, closer, err := openStore(appConfig, logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: closer}
	userStore := storage.Scoped(rootStore, "users/"+userID.String())

	profiles, err := users.NewService(users.ServiceConfig{Store: userStore})
	if err != nil {
		rt.Close()
		return nil, err
	}
	if _, err := profiles.RememberClaims(ctx, claims); err != nil {
		rt.Close()
		return nil, err
	}

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:     appConfig.RemoteBaseURL,
		APIKey:      appConfig.RemoteAPIKey,
		AccessToken: appConfig.AccessToken,
		UserID:      userID,
		Timeout:     appConfig.RemoteTimeout,
		Logger:      logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.monitor = connectivity.NewMonitor(connectivity.MonitorConfig{Logger: logger})
	rt.prober, err = connectivity.NewProber(connectivity.ProberConfig{
		Monitor:  rt.monitor,
		Backend:  client,
		ProbeURL: appConfig.ProbeURL,
		Timeout:  appConfig.ProbeTimeout,
		Schedule: appConfig.ProbeSchedule,
		Logger:   logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.session, err = core.NewSession(ctx, core.SessionConfig{
		UserID:      userID,
		Store:       userStore,
		Backend:     client,
		Monitor:     rt.monitor,
		Profiles:    profiles,
		IDProvider:  offers.NewUUIDProvider(),
		MaxAttempts: appConfig.SyncMaxAttempts,
		CallTimeout: appConfig.SyncCallTimeout,
		Logger:      logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func openStore(appConfig config.AppConfig, logger *zap.Logger) (storage.Store, io.Closer, error) {
	switch appConfig.StorageDriver {
	case config.StorageDriverBolt:
		store, err := storage.OpenBolt(appConfig.StoragePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, closerFunc(store.Close), nil
	case config.StorageDriverSQLite:
		store, err := storage.OpenSQLite(appConfig.StoragePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, closerFunc(store.Close), nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", appConfig.StorageDriver)
	}
}

// Close stops background work and releases the store. Local state is kept.
func (rt *runtime) Close() {
	if rt.prober != nil {
		rt.prober.Stop()
	}
	if rt.session != nil {
		rt.session.Close()
	}
	if rt.monitor != nil {
		rt.monitor.Close()
	}
	if rt.store != nil {
		rt.store.Close() //nolint:errcheck
	}
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
