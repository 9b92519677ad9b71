package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/neocraft/trilium/internal/syncupdate"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "TRILIUM_SYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "trilium-sync.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAuthIssuer        = "trilium-sync"
	defaultTokenTTLMinutes   = 24 * 60
	defaultAuditCoalesce     = 0
	defaultRetryMaxAttempts  = 3
	defaultRetryBaseDelay    = 100 * time.Millisecond
	defaultHeartbeatInterval = 30 * time.Second
)

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	DatabaseDriver    string
	DatabaseDSN       string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	TokenIssuer       string
	TokenTTL          time.Duration
	SyncedOptions     []string
	AuditCoalesce     time.Duration
	RetryMaxAttempts  uint64
	RetryBaseDelay    time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.synced_options", syncupdate.DefaultSyncedOptions)
	configViper.SetDefault("sync.audit_coalesce_minutes", defaultAuditCoalesce)
	configViper.SetDefault("sync.retry.max_attempts", defaultRetryMaxAttempts)
	configViper.SetDefault("sync.retry.base_delay", defaultRetryBaseDelay)
}

// LoadDotEnv loads a .env file from dir into the process environment when present.
// Variables already set in the environment win.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat_interval"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       strings.TrimSpace(configViper.GetString("auth.issuer")),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SyncedOptions:     splitList(configViper.GetStringSlice("sync.synced_options")),
		AuditCoalesce:     time.Duration(configViper.GetInt("sync.audit_coalesce_minutes")) * time.Minute,
		RetryMaxAttempts:  configViper.GetUint64("sync.retry.max_attempts"),
		RetryBaseDelay:    configViper.GetDuration("sync.retry.base_delay"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSigningSecret reports an error when no token signing secret is configured.
func (c AppConfig) RequireSigningSecret() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.AuditCoalesce < 0 {
		return fmt.Errorf("sync.audit_coalesce_minutes must not be negative")
	}
	if c.RetryMaxAttempts == 0 {
		return fmt.Errorf("sync.retry.max_attempts must be at least 1")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("sync.retry.base_delay must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("http.heartbeat_interval must be positive")
	}
	return nil
}

// splitList flattens comma separated entries, as environment variables deliver lists as one string.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
