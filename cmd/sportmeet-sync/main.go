package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sportmeet/internal/config"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/logging"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/offers"
	"github.com/MarcoPoloResearchLab/sportmeet/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "sportmeet-sync",
		Short:         "Offline-first sync daemon for sports meetup training offers",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the sync daemon and its local HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "drain",
			Short: "Probe connectivity and drain the operation queue once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDrain(cmd.Context(), cmd)
			},
		},
		&cobra.Command{
			Use:   "queue",
			Short: "Print queued and dead-lettered operations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runQueue(cmd.Context(), cmd)
			},
		},
		&cobra.Command{
			Use:   "sign-out",
			Short: "Clear the queue, local mirror and cached profile of the signed-in user",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSignOut(cmd.Context())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := viper.GetViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address for the local API")
	cmd.PersistentFlags().String("api-token", "", "Bearer token required by the local API (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("storage-driver", defaults.GetString("storage.driver"), "Durable store driver (bolt, sqlite)")
	cmd.PersistentFlags().String("storage-path", defaults.GetString("storage.path"), "Durable store file path")
	cmd.PersistentFlags().String("remote-base-url", "", "Backend base URL")
	cmd.PersistentFlags().String("remote-api-key", "", "Backend API key (overrides env)")
	cmd.PersistentFlags().String("access-token", "", "Signed-in user's access token (overrides env)")
	cmd.PersistentFlags().Int("max-attempts", defaults.GetInt("sync.max_attempts"), "Rejections before an operation is dead-lettered (0 keeps retrying)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "api.token", "api-token")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "storage.path", "storage-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.api_key", "remote-api-key")
	bindFlag(cmd, "auth.access_token", "access-token")
	bindFlag(cmd, "sync.max_attempts", "max-attempts")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadConfigAndLogger() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServe(ctx context.Context) error {
	appConfig, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	serveCtx, cancelServe := context.WithCancel(signalCtx)
	defer cancelServe()

	rt, err := openRuntime(serveCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	realtime := server.NewRealtimeDispatcher()
	defer realtime.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Session:          rt.session,
		Realtime:         realtime,
		APIToken:         appConfig.APIToken,
		AllowOrigins:     appConfig.AllowOrigins,
		ParticipantLimit: appConfig.ParticipantPageSize,
		OnSignOut:        cancelServe,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	realtime.Forward(serveCtx, rt.session)
	if err := rt.session.Start(serveCtx); err != nil {
		return err
	}
	rt.prober.Start(serveCtx)

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("user_id", rt.session.UserID().String()),
			zap.String("storage_driver", appConfig.StorageDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-serveCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runDrain(ctx context.Context, cmd *cobra.Command) error {
	appConfig, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := openRuntime(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if !rt.prober.Check(ctx) {
		return fmt.Errorf("backend unreachable: %d operations remain queued", rt.session.QueueCount())
	}
	result, err := rt.session.Sync(ctx)
	if err != nil {
		return err
	}
	if _, err := rt.session.Refresh(ctx, offers.Filter{}); err != nil {
		logger.Warn("refresh after drain failed", zap.Error(err))
	}
	logger.Info("drain finished",
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("dead_lettered", result.DeadLettered),
		zap.Int("remaining", result.Remaining),
		zap.Bool("halted", result.Halted))
	return writeJSON(cmd, result)
}

func runQueue(ctx context.Context, cmd *cobra.Command) error {
	appConfig, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := openRuntime(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	return writeJSON(cmd, map[string]any{
		"count":             rt.session.QueueCount(),
		"operations":        rt.session.QueueSnapshot(),
		"failed_operations": rt.session.DeadLetters(),
	})
}

func runSignOut(ctx context.Context) error {
	appConfig, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := openRuntime(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.session.SignOut(ctx)
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
