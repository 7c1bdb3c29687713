package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

// ConfigHelpers provides convenient access to global configuration
type ConfigHelpers struct {
	config *GlobalConfig
}

// NewConfigHelpers creates a new config helpers instance
func NewConfigHelpers(config *GlobalConfig) *ConfigHelpers {
	if config == nil {
		config = DefaultGlobalConfig()
	}
	return &ConfigHelpers{config: config}
}

// Workers returns the number of requests processed concurrently
func (c *ConfigHelpers) Workers() int {
	return c.config.Workers
}

// FanOut returns the number of files fetched concurrently per request
func (c *ConfigHelpers) FanOut() int {
	return c.config.FanOut
}

// FetchAttempts returns how often one file transfer is tried
func (c *ConfigHelpers) FetchAttempts() int {
	return c.config.FetchAttempts
}

// IndexMaxAge returns how long a cached index is served without revalidation
func (c *ConfigHelpers) IndexMaxAge() time.Duration {
	return c.config.IndexMaxAge
}

// HTTPTimeout returns the per-request HTTP timeout
func (c *ConfigHelpers) HTTPTimeout() time.Duration {
	return c.config.HTTPTimeout
}

// CacheDir returns the absolute path to the cache directory
func (c *ConfigHelpers) CacheDir() (string, error) {
	if c.config.CacheDir == "" {
		return "", fmt.Errorf("cache directory is not configured")
	}
	return filepath.Abs(c.config.CacheDir)
}

// LogLevel returns the configured log level
func (c *ConfigHelpers) LogLevel() string {
	return c.config.Logging.Level
}

// KeyringPath returns the OpenPGP keyring used for F-Droid package signatures
func (c *ConfigHelpers) KeyringPath() string {
	return c.config.Source(apkpackage.SignedRepository).PGPKeyring
}

// GetConfig returns the underlying global config (for advanced usage)
func (c *ConfigHelpers) GetConfig() *GlobalConfig {
	return c.config
}

// CreateCacheDir ensures the cache directory exists
func (c *ConfigHelpers) CreateCacheDir() (string, error) {
	cacheDir, err := c.CacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache directory: %w", err)
	}
	return cacheDir, createDirIfNotExists(cacheDir)
}

// Helper function to create directories
func createDirIfNotExists(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
