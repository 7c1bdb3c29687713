// Package config loads the apk-fetcher configuration file and turns it into
// per-source request defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
	"github.com/open-edge-platform/apk-fetcher/internal/utils/general/slice"
)

const (
	AppName        = "apk-fetcher"
	ConfigFileName = "config.yml"

	DefaultWorkers       = 4
	DefaultFanOut        = 4
	DefaultFetchAttempts = 3
	DefaultIndexMaxAge   = time.Hour
	DefaultHTTPTimeout   = 60 * time.Second
)

// GlobalConfig is the decoded configuration file.
type GlobalConfig struct {
	Workers       int                     `yaml:"workers"`
	FanOut        int                     `yaml:"fan_out"`
	FetchAttempts int                     `yaml:"fetch_attempts"`
	CacheDir      string                  `yaml:"cache_dir"`
	IndexMaxAge   time.Duration           `yaml:"index_max_age"`
	HTTPTimeout   time.Duration           `yaml:"http_timeout"`
	Logging       LoggingConfig           `yaml:"logging"`
	Sources       map[string]SourceConfig `yaml:"sources"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SourceConfig holds defaults for one source. The typed fields are
// shorthands for the matching request options.
type SourceConfig struct {
	Options        map[string]string `yaml:"options"`
	MaxConcurrency int               `yaml:"max_concurrency"`
	Interval       time.Duration     `yaml:"interval"`

	// f-droid
	Repo        string   `yaml:"repo"`
	Fingerprint string   `yaml:"fingerprint"`
	Mirrors     []string `yaml:"mirrors"`
	UseEntry    *bool    `yaml:"use_entry"`
	PGPKeyring  string   `yaml:"pgp_keyring"`

	// google-play
	Email    string `yaml:"email"`
	AASToken string `yaml:"aas_token"`
	Device   string `yaml:"device"`
	Locale   string `yaml:"locale"`
	Timezone string `yaml:"timezone"`
}

// DefaultGlobalConfig returns the configuration used when no file exists.
func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Workers:       DefaultWorkers,
		FanOut:        DefaultFanOut,
		FetchAttempts: DefaultFetchAttempts,
		IndexMaxAge:   DefaultIndexMaxAge,
		HTTPTimeout:   DefaultHTTPTimeout,
		Logging:       LoggingConfig{Level: "info"},
		Sources:       map[string]SourceConfig{},
	}
}

// DefaultPath returns the config file location below the XDG config home,
// falling back to ~/.config when xdgConfigHome is empty.
func DefaultPath(xdgConfigHome, home string) string {
	if xdgConfigHome == "" {
		xdgConfigHome = filepath.Join(home, ".config")
	}
	return filepath.Join(xdgConfigHome, AppName, ConfigFileName)
}

// DefaultCacheDir returns the cache location below the XDG cache home.
func DefaultCacheDir(xdgCacheHome, home string) string {
	if xdgCacheHome == "" {
		xdgCacheHome = filepath.Join(home, ".cache")
	}
	return filepath.Join(xdgCacheHome, AppName)
}

// Load reads the configuration at path. A missing file yields the defaults
// unless explicit is set, in which case it is an error.
func Load(path string, explicit bool) (*GlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return DefaultGlobalConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := parseYAMLConfig(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

func parseYAMLConfig(data []byte) (*GlobalConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return DefaultGlobalConfig(), nil
	}
	if err := ValidateConfigYAML(data); err != nil {
		return nil, err
	}

	cfg := DefaultGlobalConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize rewrites source keys to their canonical names and fills zero
// values with defaults.
func (c *GlobalConfig) normalize() error {
	sources := make(map[string]SourceConfig, len(c.Sources))
	for name, sc := range c.Sources {
		kind, err := apkpackage.ParseSourceKind(name)
		if err != nil {
			return fmt.Errorf("sources: %w", err)
		}
		if _, dup := sources[kind.String()]; dup {
			return fmt.Errorf("sources: %s is configured more than once", kind)
		}
		sources[kind.String()] = sc
	}
	c.Sources = sources

	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.FanOut <= 0 {
		c.FanOut = DefaultFanOut
	}
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = DefaultFetchAttempts
	}
	if c.IndexMaxAge == 0 {
		c.IndexMaxAge = DefaultIndexMaxAge
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}

// Source returns the configuration for kind, or a zero value.
func (c *GlobalConfig) Source(kind apkpackage.SourceKind) SourceConfig {
	return c.Sources[kind.String()]
}

// SourceOptions returns the default request options for kind: the typed
// shorthands first, then the free-form options map, then overrides.
func (c *GlobalConfig) SourceOptions(kind apkpackage.SourceKind, overrides map[string]string) map[string]string {
	sc := c.Source(kind)
	base := map[string]string{}
	switch kind {
	case apkpackage.SignedRepository:
		setIf(base, "repo", sc.Repo)
		setIf(base, "fingerprint", sc.Fingerprint)
		if len(sc.Mirrors) > 0 {
			base["mirrors"] = strings.Join(slice.Dedup(sc.Mirrors), ";")
		}
		if sc.UseEntry != nil {
			base["use_entry"] = strconv.FormatBool(*sc.UseEntry)
		}
	case apkpackage.TokenSession:
		setIf(base, "device", sc.Device)
		setIf(base, "locale", sc.Locale)
		setIf(base, "timezone", sc.Timezone)
	}
	base = slice.MergeStringMaps(base, sc.Options)
	return slice.MergeStringMaps(base, overrides)
}

func setIf(m map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		m[key] = value
	}
}
