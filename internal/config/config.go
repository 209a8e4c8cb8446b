package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rentcal/internal/ics"
	appLog "rentcal/internal/log"
	"rentcal/internal/model"
)

// ErrEmptyPath is returned by Load and Save when no path is given.
var ErrEmptyPath = errors.New("config path is empty")

// UnitConfig describes one rentable unit and the feeds that publish its
// bookings.
type UnitConfig struct {
	// Key is canonicalized with model.CanonicalUnitKey on Normalize.
	Key string `yaml:"key" json:"key"`
	// Name is the row label shown on the timeline.
	Name string `yaml:"name" json:"name"`
	// Color overrides the default unit colour.
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
	// Providers maps a provider key (airbnb, booking, ...) to its ICS URL.
	Providers map[string]string `yaml:"providers" json:"providers"`
}

// StoreConfig selects the persistence backend for the reconciled set.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "file".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the database file or JSON snapshot path.
	Path string `yaml:"path" json:"path"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for default timeline windows.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is the cron schedule for feed imports.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// WindowBackDays / WindowForwardDays bound the default timeline window
	// around now.
	WindowBackDays    int `yaml:"window_back_days" json:"window_back_days"`
	WindowForwardDays int `yaml:"window_forward_days" json:"window_forward_days"`

	// ExpandDays limits how far recurring feed events are expanded.
	ExpandDays int `yaml:"expand_days" json:"expand_days"`

	FetchConcurrency    int    `yaml:"fetch_concurrency" json:"fetch_concurrency"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	CacheDir            string `yaml:"cache_dir" json:"cache_dir"`

	Store StoreConfig `yaml:"store" json:"store"`

	// NotesTTLDays is how long a booking note is kept after its last save.
	NotesTTLDays int `yaml:"notes_ttl_days" json:"notes_ttl_days"`

	Units []UnitConfig `yaml:"units" json:"units"`

	// BasicAuth, if set, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "UTC"
	defaultRefreshCron = "*/15 * * * *"
	defaultStoreDriver = "sqlite"
	defaultStorePath   = "./var/rentcal.db"
	defaultCacheDir    = "./var/ics-cache"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	level, _ := appLog.ParseLevel(c.LogLevel)
	c.LogLevel = strings.ToLower(string(level))
	if c.WindowBackDays <= 0 {
		c.WindowBackDays = 14
	}
	if c.WindowForwardDays <= 0 {
		c.WindowForwardDays = 60
	}
	if c.ExpandDays <= 0 {
		c.ExpandDays = 365
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 4
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = 15
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	switch c.Store.Driver {
	case "sqlite", "file":
	default:
		c.Store.Driver = defaultStoreDriver
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
	if c.NotesTTLDays <= 0 {
		c.NotesTTLDays = 3
	}
	if c.Units == nil {
		c.Units = []UnitConfig{}
	}
	for i := range c.Units {
		u := &c.Units[i]
		if u.Key == "" {
			u.Key = u.Name
		}
		u.Key = model.CanonicalUnitKey(u.Key)
		if u.Name == "" {
			u.Name = u.Key
		}
		if u.Color == "" {
			u.Color = model.UnitColor(u.Key)
		}
		if u.Providers == nil {
			u.Providers = map[string]string{}
		}
	}
}

// FetchTimeout is FetchTimeoutSeconds as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// NotesTTL is NotesTTLDays as a duration.
func (c *Config) NotesTTL() time.Duration {
	return time.Duration(c.NotesTTLDays) * 24 * time.Hour
}

// Unit looks up a configured unit by any spelling of its key.
func (c *Config) Unit(key string) (UnitConfig, bool) {
	k := model.CanonicalUnitKey(key)
	for _, u := range c.Units {
		if u.Key == k {
			return u, true
		}
	}
	return UnitConfig{}, false
}

// Sources flattens every unit/provider pair with a URL into fetch sources,
// ordered by unit then provider.
func (c *Config) Sources() []ics.Source {
	out := make([]ics.Source, 0)
	for _, u := range c.Units {
		providers := make([]string, 0, len(u.Providers))
		for p, url := range u.Providers {
			if url != "" {
				providers = append(providers, p)
			}
		}
		sort.Strings(providers)
		for _, p := range providers {
			out = append(out, ics.Source{
				Unit:     u.Key,
				Provider: p,
				URL:      u.Providers[p],
				Color:    u.Color,
			})
		}
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions,
// creating the parent directory with 0700 if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return ErrEmptyPath
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".rentcal-config-*.tmp")
}

// WriteFileAtomic writes data next to path under a temp name matching
// pattern, syncs it, sets 0600 and renames it over path.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
