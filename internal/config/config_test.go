package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Addr())
	assert.Equal(t, 10*time.Minute, cfg.LockDefaultTTL)
	assert.Equal(t, time.Hour, cfg.LockMaxTTL)
	assert.Equal(t, 3*time.Second, cfg.TypingWindow)
	assert.Equal(t, 5*time.Minute, cfg.PresenceStaleAfter)
	assert.Equal(t, 256, cfg.SendBuffer)
	assert.True(t, cfg.ReconcileLocksOnStart)
	assert.Contains(t, cfg.DatabaseURL(), "dbname=codecollab")
}

func TestLoadRequiresSecret(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET", "")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("TYPING_WINDOW", "5s")
	t.Setenv("DB_HOST", "db.internal")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.ServerPort)
	assert.Equal(t, 5*time.Second, cfg.TypingWindow)
	assert.Equal(t, "db.internal", cfg.DBHost)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("JWT_SECRET", "")

	path := filepath.Join(dir, "custom.yaml")
	content := []byte("jwt:\n  secret: from-file\nlock:\n  default_ttl: 15m\n  max_ttl: 30m\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 15*time.Minute, cfg.LockDefaultTTL)
	assert.Equal(t, 30*time.Minute, cfg.LockMaxTTL)
}

func TestLoadInvalidTTL(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LOCK_DEFAULT_TTL", "2h")

	_, err := Load("")
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir in Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
