package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "SPORTMEET"
	defaultHTTPAddress         = "127.0.0.1:8787"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultStorageDriver       = StorageDriverBolt
	defaultStoragePath         = "sportmeet.db"
	defaultRemoteTimeout       = 15 * time.Second
	defaultProbeURL            = "https://www.google.com/generate_204"
	defaultProbeSchedule       = "@every 15s"
	defaultProbeTimeout        = 5 * time.Second
	defaultSyncMaxAttempts     = 5
	defaultSyncCallTimeout     = 15 * time.Second
	defaultTokenLeewaySeconds  = 30
	defaultParticipantPageSize = 10
)

// Supported storage drivers.
const (
	StorageDriverBolt   = "bolt"
	StorageDriverSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the sync daemon and CLI.
type AppConfig struct {
	HTTPAddress  string
	APIToken     string
	LogLevel     string
	LogFormat    string
	AllowOrigins []string

	StorageDriver string
	StoragePath   string

	RemoteBaseURL string
	RemoteAPIKey  string
	RemoteTimeout time.Duration

	AccessToken string
	TokenLeeway time.Duration

	ProbeURL      string
	ProbeSchedule string
	ProbeTimeout  time.Duration

	SyncMaxAttempts     int
	SyncCallTimeout     time.Duration
	ParticipantPageSize int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allow_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("storage.path", defaultStoragePath)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("auth.token_leeway_seconds", defaultTokenLeewaySeconds)
	configViper.SetDefault("connectivity.probe_url", defaultProbeURL)
	configViper.SetDefault("connectivity.probe_schedule", defaultProbeSchedule)
	configViper.SetDefault("connectivity.probe_timeout", defaultProbeTimeout)
	configViper.SetDefault("sync.max_attempts", defaultSyncMaxAttempts)
	configViper.SetDefault("sync.call_timeout", defaultSyncCallTimeout)
	configViper.SetDefault("participants.page_size", defaultParticipantPageSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		APIToken:            configViper.GetString("api.token"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
		AllowOrigins:        configViper.GetStringSlice("http.allow_origins"),
		StorageDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
		StoragePath:         configViper.GetString("storage.path"),
		RemoteBaseURL:       strings.TrimRight(configViper.GetString("remote.base_url"), "/"),
		RemoteAPIKey:        configViper.GetString("remote.api_key"),
		RemoteTimeout:       configViper.GetDuration("remote.timeout"),
		AccessToken:         configViper.GetString("auth.access_token"),
		TokenLeeway:         time.Duration(configViper.GetInt("auth.token_leeway_seconds")) * time.Second,
		ProbeURL:            configViper.GetString("connectivity.probe_url"),
		ProbeSchedule:       configViper.GetString("connectivity.probe_schedule"),
		ProbeTimeout:        configViper.GetDuration("connectivity.probe_timeout"),
		SyncMaxAttempts:     configViper.GetInt("sync.max_attempts"),
		SyncCallTimeout:     configViper.GetDuration("sync.call_timeout"),
		ParticipantPageSize: configViper.GetInt("participants.page_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.StorageDriver {
	case StorageDriverBolt, StorageDriverSQLite:
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", StorageDriverBolt, StorageDriverSQLite, c.StorageDriver)
	}
	if strings.TrimSpace(c.StoragePath) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.RemoteAPIKey) == "" {
		return fmt.Errorf("remote.api_key is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("auth.access_token is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.SyncCallTimeout <= 0 {
		return fmt.Errorf("sync.call_timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("connectivity.probe_timeout must be positive")
	}
	if c.SyncMaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative")
	}
	if strings.TrimSpace(c.ProbeSchedule) == "" {
		return fmt.Errorf("connectivity.probe_schedule is required")
	}
	if c.ParticipantPageSize <= 0 {
		return fmt.Errorf("participants.page_size must be positive")
	}
	return nil
}
