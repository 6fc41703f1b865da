// Package config loads the TOML configuration: data locations, per-mode
// token endpoints, rotation timing, and the local API server address.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/caam/internal/oauth"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Mode configures one auth mode's upstream endpoints.
type Mode struct {
	TokenURL string   `toml:"token_url"`
	ClientID string   `toml:"client_id"`
	Scopes   []string `toml:"scopes"`
	UsageURL string   `toml:"usage_url"`
	// Strategy overrides the global default for this mode.
	Strategy string `toml:"strategy"`
}

// Rotation holds the acquisition timing knobs. Zero values fall back to the
// pool defaults.
type Rotation struct {
	LeaseTTL               Duration `toml:"lease_ttl"`
	FailureCooldown        Duration `toml:"failure_cooldown"`
	MissingRefreshCooldown Duration `toml:"missing_refresh_cooldown"`
	RateLimitCooldown      Duration `toml:"rate_limit_cooldown"`
	SessionGrace           Duration `toml:"session_grace"`
}

// History configures the jsonl event log.
type History struct {
	Enabled    bool `toml:"enabled"`
	MaxEntries int  `toml:"max_entries"`
}

// Serve configures the local REST API.
type Serve struct {
	Addr string `toml:"addr"`
}

// Config is the whole caam configuration.
type Config struct {
	// DataDir holds accounts.json, sessions.json, history.jsonl, and the
	// quarantine directory.
	DataDir string `toml:"data_dir"`

	// DefaultStrategy applies to modes without their own. One of
	// round_robin, sticky, hybrid.
	DefaultStrategy string `toml:"default_strategy"`

	Modes    map[string]Mode `toml:"modes"`
	Rotation Rotation        `toml:"rotation"`
	History  History         `toml:"history"`
	Serve    Serve           `toml:"serve"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:         defaultDataDir(),
		DefaultStrategy: "sticky",
		Modes:           map[string]Mode{},
		History: History{
			Enabled:    true,
			MaxEntries: 10000,
		},
		Serve: Serve{
			Addr: "127.0.0.1:4789",
		},
	}
}

// DefaultPath returns the config file location. Uses XDG_CONFIG_HOME if set,
// otherwise ~/.config/caam/config.toml.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.toml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "caam", "config.toml")
}

func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "caam")
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.expandPaths()
	return cfg, nil
}

// LoadOrDefault loads the default-path config, falling back to Default when
// the file does not exist. Malformed files are still an error.
func LoadOrDefault() (*Config, error) {
	path := DefaultPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.expandPaths()
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) validate() error {
	switch c.DefaultStrategy {
	case "", "round_robin", "sticky", "hybrid":
	default:
		return fmt.Errorf("default_strategy %q: must be round_robin, sticky, or hybrid", c.DefaultStrategy)
	}
	for name, mode := range c.Modes {
		switch mode.Strategy {
		case "", "round_robin", "sticky", "hybrid":
		default:
			return fmt.Errorf("modes.%s.strategy %q: must be round_robin, sticky, or hybrid", name, mode.Strategy)
		}
	}
	return nil
}

func (c *Config) expandPaths() {
	c.DataDir = expandTilde(c.DataDir)
}

func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// AccountsPath returns the account store location.
func (c *Config) AccountsPath() string {
	return filepath.Join(c.DataDir, "accounts.json")
}

// SessionsPath returns the affinity store location.
func (c *Config) SessionsPath() string {
	return filepath.Join(c.DataDir, "sessions.json")
}

// HistoryPath returns the jsonl event log location.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.jsonl")
}

// TokenEndpoints maps configured modes to their oauth endpoints.
func (c *Config) TokenEndpoints() map[string]oauth.Endpoint {
	out := make(map[string]oauth.Endpoint, len(c.Modes))
	for name, mode := range c.Modes {
		if mode.TokenURL == "" {
			continue
		}
		out[name] = oauth.Endpoint{
			TokenURL: mode.TokenURL,
			ClientID: mode.ClientID,
			Scopes:   mode.Scopes,
		}
	}
	return out
}

// UsageEndpoints maps configured modes to their usage URLs.
func (c *Config) UsageEndpoints() map[string]string {
	out := make(map[string]string, len(c.Modes))
	for name, mode := range c.Modes {
		if mode.UsageURL != "" {
			out[name] = mode.UsageURL
		}
	}
	return out
}
