// Package config loads modsync settings from defaults, an optional YAML file,
// MODSYNC_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/schaermu/modsync/internal/fetch"
	"github.com/schaermu/modsync/internal/manifest"
	"github.com/schaermu/modsync/internal/registry"
	"github.com/schaermu/modsync/internal/selfupdate"
)

// EnvPrefix is prepended to every environment variable, e.g. MODSYNC_MODS_DIR.
const EnvPrefix = "MODSYNC"

// DefaultReleaseRepo is the GitHub repository modsync updates itself from.
const DefaultReleaseRepo = "schaermu/modsync"

// Config represents the complete modsync configuration
type Config struct {
	ModsDir     string         `mapstructure:"mods_dir"`
	Manifest    string         `mapstructure:"manifest"`
	SkipUpdate  bool           `mapstructure:"skip_update"`
	GitHubToken string         `mapstructure:"github_token"`
	Registry    RegistryConfig `mapstructure:"registry"`
	Release     ReleaseConfig  `mapstructure:"release"`
	HTTP        HTTPConfig     `mapstructure:"http"`
}

// RegistryConfig configures the mod registry
type RegistryConfig struct {
	URL string `mapstructure:"url"`
}

// ReleaseConfig configures the self-update release feed
type ReleaseConfig struct {
	Repo string `mapstructure:"repo"`
	URL  string `mapstructure:"url"`
}

// HTTPConfig configures timeouts and retries for every outbound request
type HTTPConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	Retries         int           `mapstructure:"retries"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// flagKeys maps command-line flags to the settings they override.
var flagKeys = map[string]string{
	"mods-dir":    "mods_dir",
	"manifest":    "manifest",
	"skip-update": "skip_update",
}

// DefaultPath returns the settings file looked up when no path is given:
// $XDG_CONFIG_HOME/modsync/config.yaml
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "modsync", "config.yaml")
}

// Load builds the configuration. An explicit path must exist; without one the
// default path is tried and silently skipped when missing. Flags that were
// set on the command line override every other source; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("github_token", EnvPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind github_token: %w", err)
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(os.ExpandEnv(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Dir(DefaultPath()))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mods_dir", "mods")
	v.SetDefault("manifest", manifest.DefaultFileName)
	v.SetDefault("skip_update", false)
	v.SetDefault("github_token", "")
	v.SetDefault("registry.url", registry.DefaultModrinthURL)
	v.SetDefault("release.repo", DefaultReleaseRepo)
	v.SetDefault("release.url", selfupdate.DefaultGitHubAPI)
	v.SetDefault("http.timeout", fetch.DefaultTimeout)
	v.SetDefault("http.download_timeout", fetch.DefaultDownloadTimeout)
	v.SetDefault("http.retries", fetch.DefaultRetries)
	v.SetDefault("http.user_agent", "")
}

// expandPaths expands environment variables and a leading ~ in path settings.
func (c *Config) expandPaths() {
	c.ModsDir = expandPath(c.ModsDir)
	c.Manifest = expandPath(c.Manifest)
}

func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.ModsDir == "" {
		return fmt.Errorf("mods_dir is required")
	}
	if c.Manifest == "" {
		return fmt.Errorf("manifest is required")
	}
	if c.Registry.URL == "" {
		return fmt.Errorf("registry.url is required")
	}
	if owner, name, ok := strings.Cut(c.Release.Repo, "/"); !ok || owner == "" || name == "" {
		return fmt.Errorf("release.repo must be owner/name: %q", c.Release.Repo)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive: %s", c.HTTP.Timeout)
	}
	if c.HTTP.DownloadTimeout <= 0 {
		return fmt.Errorf("http.download_timeout must be positive: %s", c.HTTP.DownloadTimeout)
	}
	if c.HTTP.Retries < 1 {
		return fmt.Errorf("http.retries must be at least 1: %d", c.HTTP.Retries)
	}
	return nil
}

// FetchOptions returns the HTTP client settings for fetch.New.
func (c *Config) FetchOptions() fetch.Options {
	return fetch.Options{
		Timeout:         c.HTTP.Timeout,
		DownloadTimeout: c.HTTP.DownloadTimeout,
		Retries:         c.HTTP.Retries,
		UserAgent:       c.HTTP.UserAgent,
	}
}
