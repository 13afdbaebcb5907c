package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SHELFIE_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "shelfie.db", cfg.DB.Path)
	assert.Equal(t, "listings", cfg.Backend.Table)
	assert.Equal(t, 4, cfg.Bulk.MaxPhotos)
	assert.Equal(t, 500*time.Millisecond, cfg.Bulk.Cooldown)
	assert.Equal(t, 60*time.Second, cfg.Bulk.CallTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Bulk.SessionTTL)
	assert.Equal(t, 24*time.Hour, cfg.Run.TTL)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SHELFIE_SECRET", "s3cret")
	t.Setenv("SHELFIE_GEMINI_API_KEY", "key-123")
	t.Setenv("SHELFIE_BULK_COOLDOWN", "2s")
	t.Setenv("SHELFIE_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("SHELFIE_TELEGRAM_ADMIN_ID", "42")
	t.Setenv("SHELFIE_TELEGRAM_ALLOWED_USERS", "7,8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "key-123", cfg.Gemini.APIKey)
	assert.Equal(t, 2*time.Second, cfg.Bulk.Cooldown)
	assert.True(t, cfg.TelegramEnabled())
	assert.Equal(t, int64(42), cfg.Telegram.AdminID)
	assert.Equal(t, []int64{7, 8}, cfg.Telegram.AllowedUsers)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := "secret: from-file\nserver:\n  addr: \":9090\"\nbulk:\n  max_photos: 6\nbackend:\n  url: https://db.example.com\n  table: listings_a7b3c9d2f1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shelfie.yaml"), []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Secret)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 6, cfg.Bulk.MaxPhotos)
	assert.Equal(t, "listings_a7b3c9d2f1", cfg.Backend.Table)

	t.Setenv("SHELFIE_SERVER_ADDR", ":7070")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr, "environment wins over the file")
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load()
	assert.ErrorContains(t, err, "secret is not set")

	t.Setenv("SHELFIE_SECRET", "s3cret")
	t.Setenv("SHELFIE_BULK_MAX_PHOTOS", "0")
	_, err = Load()
	assert.ErrorContains(t, err, "bulk.max_photos")

	t.Setenv("SHELFIE_BULK_MAX_PHOTOS", "4")
	t.Setenv("SHELFIE_TELEGRAM_TOKEN", "tg-token")
	_, err = Load()
	assert.ErrorContains(t, err, "telegram.admin_id")
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shelfie.yaml"), []byte("server: [unclosed"), 0o600))

	_, err := Load()
	assert.ErrorContains(t, err, "failed to read config")
}
