// Package config loads client configuration from file, environment,
// and defaults, and supports hot reload of the config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the sync client needs to run.
type Config struct {
	// ServerURL is the REST API base, e.g. "http://localhost:3000/api".
	ServerURL string `mapstructure:"server_url"`

	// SocketURL is the realtime channel endpoint. Derived from
	// ServerURL when empty.
	SocketURL string `mapstructure:"socket_url"`

	// Token is the bearer credential. Usually supplied through the
	// BOARDSYNC_TOKEN environment variable rather than the file.
	Token string `mapstructure:"token"`

	// CachePath is the snapshot database location.
	CachePath string `mapstructure:"cache_path"`

	// LogFile receives client logs; empty means stderr only.
	LogFile string `mapstructure:"log_file"`

	// DialTimeout bounds one channel connection attempt.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// MaxBackoff caps the channel reconnect delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// ReloadDebounce coalesces bursts of config file writes before a
	// reload fires.
	ReloadDebounce time.Duration `mapstructure:"reload_debounce"`

	// FilterDebounce coalesces rapid task-filter changes into a single
	// outbound request.
	FilterDebounce time.Duration `mapstructure:"filter_debounce"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("server_url", "http://localhost:3000/api")
	v.SetDefault("cache_path", filepath.Join(home, ".boardsync", "snapshot.db"))
	v.SetDefault("dial_timeout", 10*time.Second)
	v.SetDefault("max_backoff", 30*time.Second)
	v.SetDefault("reload_debounce", 500*time.Millisecond)
	v.SetDefault("filter_debounce", 300*time.Millisecond)
}

func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BOARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration with the following precedence (highest
// first): environment variables (BOARDSYNC_*), the config file, then
// built-in defaults.
//
// When path is empty the default locations are searched:
// ./boardsync.yaml, then ~/.boardsync/config.yaml. A missing config
// file is not an error.
func Load(path string) (*Config, error) {
	v := newViperInstance()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("boardsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".boardsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration and fills derived fields.
func Validate(cfg *Config) error {
	if cfg.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = deriveSocketURL(cfg.ServerURL)
	}
	if cfg.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	if cfg.MaxBackoff <= 0 {
		return fmt.Errorf("max_backoff must be positive")
	}
	if cfg.ReloadDebounce < 0 {
		return fmt.Errorf("reload_debounce must not be negative")
	}
	if cfg.FilterDebounce < 0 {
		return fmt.Errorf("filter_debounce must not be negative")
	}
	return nil
}

// deriveSocketURL maps the REST base to the channel endpoint:
// http(s)://host/api becomes ws(s)://host/ws.
func deriveSocketURL(serverURL string) string {
	socket := serverURL
	switch {
	case strings.HasPrefix(socket, "https://"):
		socket = "wss://" + strings.TrimPrefix(socket, "https://")
	case strings.HasPrefix(socket, "http://"):
		socket = "ws://" + strings.TrimPrefix(socket, "http://")
	}
	socket = strings.TrimSuffix(socket, "/")
	socket = strings.TrimSuffix(socket, "/api")
	return socket + "/ws"
}
