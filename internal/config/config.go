package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"webcal/internal/model"
)

// WindowConfig sets the window fetched before any client asks for one.
type WindowConfig struct {
	// Days is the number of future days to include.
	Days int `yaml:"days" json:"days"`
	// Backfill is the number of past days to include.
	Backfill int `yaml:"backfill" json:"backfill"`
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

	// Timezone is the IANA timezone used for floating times and as the
	// display zone (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used for periodic refresh of the last fetched window.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// ProxyURL is the base of the forwarding proxy used by sources with
	// useProxy set. Requests go to <proxy_url>/<source url>.
	ProxyURL string `yaml:"proxy_url" json:"proxy_url"`

	// SourcesPath is the JSON file holding the calendar sources.
	SourcesPath string `yaml:"sources_path" json:"sources_path"`

	// CacheDir holds cached ICS feed bodies.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	FetchConcurrency       int `yaml:"fetch_concurrency" json:"fetch_concurrency"`
	FetchTimeoutSeconds    int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	Window WindowConfig `yaml:"window" json:"window"`

	// MetricsEnabled exposes /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled" json:"metrics_enabled"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                 "127.0.0.1:8080",
		Timezone:               "UTC",
		LogLevel:               "info",
		RefreshCron:            "*/15 * * * *",
		SourcesPath:            "./var/sources.json",
		CacheDir:               "./var/ics-cache",
		FetchConcurrency:       4,
		FetchTimeoutSeconds:    30,
		MaxOccurrencesPerEvent: 5000,
		Window:                 WindowConfig{Days: 35, Backfill: 7},
		MetricsEnabled:         true,
		BasicAuth:              nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = d.LogLevel
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.SourcesPath == "" {
		c.SourcesPath = d.SourcesPath
	}
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = d.FetchConcurrency
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = d.FetchTimeoutSeconds
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = d.MaxOccurrencesPerEvent
	}
	if c.Window.Days <= 0 {
		c.Window.Days = d.Window.Days
	}
	if c.Window.Backfill < 0 {
		c.Window.Backfill = 0
	}
	// An empty user or password disables auth rather than locking
	// everyone out.
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		c.BasicAuth = nil
	}
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}

// FetchTimeout returns the per-source fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// InitialWindow returns the configured window around now: from midnight
// Backfill days ago to midnight Days days ahead, in now's location.
func (c *Config) InitialWindow(now time.Time) model.Window {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return model.Window{
		Start: midnight.AddDate(0, 0, -c.Window.Backfill),
		End:   midnight.AddDate(0, 0, c.Window.Days+1),
	}
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
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
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

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".webcal-config-*.tmp")
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
