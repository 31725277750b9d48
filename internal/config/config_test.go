package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEPOT_PORT", "")
	t.Setenv("DEPOT_WORKERS", "")
	t.Setenv("DEPOT_ALLOWED_ORIGINS", "")

	cfg := Load()
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 2, cfg.MaxDownloads)
	assert.Equal(t, uint64(100*1024*1024), cfg.MinFreeDiskBytes)
	assert.NotEmpty(t, cfg.CacheDir)
	assert.NotEmpty(t, cfg.UserHash)
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEPOT_PORT", "8080")
	t.Setenv("DEPOT_CACHE_DIR", "/var/cache/depot")
	t.Setenv("DEPOT_REVIEW_SERVER", "https://reviews.example.org/api")
	t.Setenv("DEPOT_USER_HASH", "deadbeef")
	t.Setenv("DEPOT_MIN_FREE_MB", "500")
	t.Setenv("DEPOT_ALLOWED_ORIGINS", "http://localhost:3001, https://app.example.org")

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/var/cache/depot", cfg.CacheDir)
	assert.Equal(t, "https://reviews.example.org/api", cfg.ReviewServer)
	assert.Equal(t, "deadbeef", cfg.UserHash)
	assert.Equal(t, uint64(500*1024*1024), cfg.MinFreeDiskBytes)
	assert.Equal(t, []string{"http://localhost:3001", "https://app.example.org"}, cfg.AllowedOrigins)
}

func TestLoadIgnoresMalformedInt(t *testing.T) {
	t.Setenv("DEPOT_PORT", "not-a-number")
	assert.Equal(t, 3000, Load().Port)
}

func TestLocaleStripsEncoding(t *testing.T) {
	t.Setenv("DEPOT_LOCALE", "")
	t.Setenv("LANG", "de_DE.UTF-8")
	assert.Equal(t, "de_DE", Load().Locale)

	t.Setenv("LANG", "")
	assert.Equal(t, "C", Load().Locale)
}
