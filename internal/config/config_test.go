package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		SQLitePath:     "downloads.db",
		FSMDBPath:      "fsm.db",
		WorkDir:        "/tmp/pkgdwl",
		ChunkSize:      4096,
		MaxPackageSize: 1 << 20,
		HTTPTimeout:    time.Second,
		AllowedSchemes: []string{"https"},
		FSMMaxRetries:  3,
		LogLevel:       "info",
	}
}

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("PKGDWL_CHUNK_SIZE", "1024")
	t.Setenv("PKGDWL_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.EqualValues(t, 1024, cfg.ChunkSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 5, cfg.FSMMaxRetries)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"empty sqlite path", func(c *Config) { c.SQLitePath = "" }, false},
		{"empty work dir", func(c *Config) { c.WorkDir = "" }, false},
		{"chunk below header", func(c *Config) { c.ChunkSize = 64 }, false},
		{"chunk at header", func(c *Config) { c.ChunkSize = 128 }, true},
		{"in-flight below package", func(c *Config) { c.MaxInFlight = 1024 }, false},
		{"no schemes", func(c *Config) { c.AllowedSchemes = nil }, false},
		{"negative retries", func(c *Config) { c.FSMMaxRetries = -1 }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
