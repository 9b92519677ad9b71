package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neocraft/trilium/internal/syncupdate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, defaultHTTPAddress, cfg.HTTPAddress)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, defaultDatabaseDSN, cfg.DatabaseDSN)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, uint64(3), cfg.RetryMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, time.Duration(0), cfg.AuditCoalesce)
	assert.Equal(t, syncupdate.DefaultSyncedOptions, cfg.SyncedOptions)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Error(t, cfg.RequireSigningSecret())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TRILIUM_SYNC_DATABASE_DRIVER", "MySQL")
	t.Setenv("TRILIUM_SYNC_DATABASE_DSN", "root:secret@tcp(db:3306)/trilium")
	t.Setenv("TRILIUM_SYNC_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("TRILIUM_SYNC_SYNC_SYNCED_OPTIONS", "username, theme")
	t.Setenv("TRILIUM_SYNC_SYNC_AUDIT_COALESCE_MINUTES", "10")
	t.Setenv("TRILIUM_SYNC_SYNC_RETRY_BASE_DELAY", "250ms")
	t.Setenv("TRILIUM_SYNC_HTTP_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("TRILIUM_SYNC_LOG_FORMAT", "console")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.DatabaseDriver)
	assert.Equal(t, "root:secret@tcp(db:3306)/trilium", cfg.DatabaseDSN)
	assert.NoError(t, cfg.RequireSigningSecret())
	assert.Equal(t, []string{"username", "theme"}, cfg.SyncedOptions)
	assert.Equal(t, 10*time.Minute, cfg.AuditCoalesce)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{name: "driver", key: "database.driver", value: "postgres"},
		{name: "dsn", key: "database.dsn", value: " "},
		{name: "format", key: "log.format", value: "xml"},
		{name: "issuer", key: "auth.issuer", value: ""},
		{name: "ttl", key: "auth.token_ttl_minutes", value: 0},
		{name: "coalesce", key: "sync.audit_coalesce_minutes", value: -1},
		{name: "attempts", key: "sync.retry.max_attempts", value: 0},
		{name: "delay", key: "sync.retry.base_delay", value: "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(tt.key, tt.value)
			_, err := Load(configViper)
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TRILIUM_SYNC_AUTH_ISSUER=from-dotenv\n"), 0o600))
	t.Setenv("TRILIUM_SYNC_AUTH_ISSUER", "")
	require.NoError(t, os.Unsetenv("TRILIUM_SYNC_AUTH_ISSUER"))

	require.NoError(t, LoadDotEnv(dir))
	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.TokenIssuer)
}

func TestLoadDotEnvMissingFileIsIgnored(t *testing.T) {
	assert.NoError(t, LoadDotEnv(t.TempDir()))
}
