// Package config loads the lmsync configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lmsync/internal/store"
)

// Defaults.
const (
	DefaultDataDir         = ".lmsync"
	DefaultCacheTTL        = 5 * time.Minute
	DefaultSyncThrottle    = 5 * time.Minute
	DefaultSyncConcurrency = 4
	DefaultSiteTimeout     = 30 * time.Second
)

// Config is the engine configuration.
type Config struct {
	// DataDir holds one SQLite database per account.
	DataDir string `yaml:"data_dir"`

	// Driver selects the SQLite driver: "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver string `yaml:"driver"`

	// CacheTTL is how long a cached response stays live.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// SyncThrottle is the default minimum interval between automatic syncs
	// of one resource.
	SyncThrottle time.Duration `yaml:"sync_throttle"`

	// SyncConcurrency bounds how many resources sync at once.
	SyncConcurrency int `yaml:"sync_concurrency"`

	// OfflineDisabled turns off the cache and the offline queue for the site.
	OfflineDisabled bool `yaml:"offline_disabled"`

	Site Site `yaml:"site"`

	// Resources is the path of the CUE resource type definitions.
	// Relative paths are resolved against the config file's directory.
	Resources string `yaml:"resources"`
}

// Site describes the remote web service.
type Site struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:         DefaultDataDir,
		Driver:          store.DriverCGO,
		CacheTTL:        DefaultCacheTTL,
		SyncThrottle:    DefaultSyncThrottle,
		SyncConcurrency: DefaultSyncConcurrency,
		Site: Site{
			Timeout: DefaultSiteTimeout,
		},
	}
}

// Load reads and validates the YAML file at path. Fields missing from the
// file keep their defaults. Unknown fields are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}

	base := filepath.Dir(path)
	if cfg.Resources != "" && !filepath.IsAbs(cfg.Resources) {
		cfg.Resources = filepath.Join(base, cfg.Resources)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(base, cfg.DataDir)
	}
	return cfg, nil
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field values. The site URL is optional so local-only
// commands work without one; when set it must be an http(s) URL.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Driver != store.DriverCGO && c.Driver != store.DriverPureGo {
		errs = append(errs, fmt.Errorf("driver must be %q or %q, got %q", store.DriverCGO, store.DriverPureGo, c.Driver))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache_ttl must be positive, got %s", c.CacheTTL))
	}
	if c.SyncThrottle < 0 {
		errs = append(errs, fmt.Errorf("sync_throttle must not be negative, got %s", c.SyncThrottle))
	}
	if c.SyncConcurrency < 1 {
		errs = append(errs, fmt.Errorf("sync_concurrency must be at least 1, got %d", c.SyncConcurrency))
	}
	if c.Site.Timeout < 0 {
		errs = append(errs, fmt.Errorf("site.timeout must not be negative, got %s", c.Site.Timeout))
	}
	if c.Site.URL != "" {
		u, err := url.Parse(c.Site.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("site.url must be an http(s) URL, got %q", c.Site.URL))
		}
	}
	return errors.Join(errs...)
}

// DBPath returns the database file of account.
func (c Config) DBPath(account string) (string, error) {
	if err := ValidateAccount(account); err != nil {
		return "", err
	}
	return filepath.Join(c.DataDir, account+".db"), nil
}

// ValidateAccount checks that account can name a database file.
func ValidateAccount(account string) error {
	switch {
	case account == "":
		return errors.New("account is required")
	case account == "." || account == "..":
		return fmt.Errorf("invalid account %q", account)
	case strings.ContainsAny(account, `/\`+"\x00"):
		return fmt.Errorf("invalid account %q: must not contain path separators", account)
	}
	return nil
}
