package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/auth"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/config"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

func mintAccessToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.AccessClaims{
		Email: "ada@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("backend-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func testAppConfig(t *testing.T, driver string) config.AppConfig {
	t.Helper()
	return config.AppConfig{
		StorageDriver:   driver,
		StoragePath:     filepath.Join(t.TempDir(), "sportmeet.db"),
		RemoteBaseURL:   "http://127.0.0.1:1",
		RemoteAPIKey:    "anon-key",
		RemoteTimeout:   time.Second,
		AccessToken:     mintAccessToken(t, "user-1"),
		ProbeSchedule:   "@every 1h",
		ProbeTimeout:    time.Second,
		SyncMaxAttempts: 5,
		SyncCallTimeout: time.Second,
	}
}

func TestOpenRuntimeQueuesOfflineWritesAcrossRestarts(t *testing.T) {
	for _, driver := range []string{config.StorageDriverBolt, config.StorageDriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			appConfig := testAppConfig(t, driver)

			rt, err := openRuntime(ctx, appConfig, zap.NewNop())
			if err != nil {
				t.Fatalf("open runtime failed: %v", err)
			}
			if rt.session.UserID() != "user-1" {
				t.Fatalf("unexpected user %q", rt.session.UserID())
			}
			result, err := rt.session.CreateOffer(ctx, offers.Draft{
				SportType: "running",
				Location:  "Riverside",
				DateTime:  time.Date(2026, 10, 20, 18, 0, 0, 0, time.UTC),
			})
			if err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if !result.Deferred {
				t.Fatal("expected the write to be deferred while offline")
			}
			rt.Close()

			reopened, err := openRuntime(ctx, appConfig, zap.NewNop())
			if err != nil {
				t.Fatalf("reopen runtime failed: %v", err)
			}
			defer reopened.Close()
			if count := reopened.session.QueueCount(); count != 1 {
				t.Fatalf("expected 1 queued operation after restart, got %d", count)
			}
		})
	}
}

func TestOpenRuntimeRejectsMissingSubject(t *testing.T) {
	appConfig := testAppConfig(t, config.StorageDriverBolt)
	appConfig.AccessToken = mintAccessToken(t, "")

	if _, err := openRuntime(context.Background(), appConfig, zap.NewNop()); err == nil {
		t.Fatal("expected an error for a token without subject")
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	appConfig := testAppConfig(t, "postgres")
	if _, _, err := openStore(appConfig, zap.NewNop()); err == nil {
		t.Fatal("expected an error for an unsupported driver")
	}
}
