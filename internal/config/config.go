package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// minChunkSize is the size of a DWL section header, the largest fixed-length read.
const minChunkSize = 128

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory, images are written below it
	WorkDir string `mapstructure:"work-dir"`

	// Download limits
	ChunkSize      uint32 `mapstructure:"chunk-size"`
	MaxPackageSize uint64 `mapstructure:"max-package-size"`
	MaxInFlight    uint64 `mapstructure:"max-in-flight"`

	// Transports
	HTTPTimeout    time.Duration `mapstructure:"http-timeout"`
	AllowedSchemes []string      `mapstructure:"allowed-schemes"`
	S3Region       string        `mapstructure:"s3-region"`
	S3Anonymous    bool          `mapstructure:"s3-anonymous"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/downloads.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("work-dir", "/tmp/pkgdwl")
	viper.SetDefault("chunk-size", 4096)
	viper.SetDefault("max-package-size", 512*1024*1024)
	viper.SetDefault("max-in-flight", 0)
	viper.SetDefault("http-timeout", 30*time.Second)
	viper.SetDefault("allowed-schemes", []string{"http", "https", "s3", "file"})
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("log-level", "info")

	// Environment variables (will be PKGDWL_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("PKGDWL")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.pkgdwl")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.ChunkSize < minChunkSize {
		return fmt.Errorf("chunk-size must be at least %d", minChunkSize)
	}
	if c.MaxInFlight > 0 && c.MaxInFlight < c.MaxPackageSize {
		return fmt.Errorf("max-in-flight must not be below max-package-size")
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("http-timeout must be non-negative")
	}
	if len(c.AllowedSchemes) == 0 {
		return fmt.Errorf("allowed-schemes cannot be empty")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log-level value onto a slog level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log-level %q", s)
	}
	return level, nil
}
