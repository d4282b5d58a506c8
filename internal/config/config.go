// Package config resolves the agent configuration from defaults, an optional
// TOML file, an optional .env file and the process environment, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/stamn/agent/internal/storage"
	"github.com/stamn/agent/pkg/logger"
)

// DefaultServerURL is the hosted orchestration server.
const DefaultServerURL = "https://api.stamn.com"

// Defaults for the timing knobs.
const (
	DefaultLogLevel          = "info"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 30 * time.Second
)

// Environment variables.
const (
	EnvConfigFile        = "STAMN_CONFIG"
	EnvServerURL         = "STAMN_SERVER_URL"
	EnvAgentID           = "STAMN_AGENT_ID"
	EnvAPIKey            = "STAMN_API_KEY"
	EnvLogLevel          = "STAMN_LOG_LEVEL"
	EnvHeartbeatInterval = "STAMN_HEARTBEAT_INTERVAL_MS"
	EnvReconnectBase     = "STAMN_WS_RECONNECT_BASE_MS"
	EnvReconnectMax      = "STAMN_WS_RECONNECT_MAX_MS"
	EnvCredentialsFile   = "STAMN_CREDENTIALS_FILE"
	EnvDebug             = "DEBUG"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the resolved agent configuration.
type Config struct {
	// ServerURL is the http(s) base URL of the orchestration server.
	ServerURL string
	// AgentID and APIKey authenticate the agent. APIKey is a secret.
	AgentID string
	APIKey  string
	// AgentName is informational only.
	AgentName string

	LogLevel          string
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration

	// ConfigFile is the TOML file that was read, if any.
	ConfigFile string
	// CredentialsFile is the JSON file credentials fall back to.
	CredentialsFile string
	// Debug enables verbose logging.
	Debug bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL:         DefaultServerURL,
		LogLevel:          DefaultLogLevel,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ReconnectBase:     DefaultReconnectBase,
		ReconnectMax:      DefaultReconnectMax,
	}
}

type fileConfig struct {
	ServerURL           string `toml:"server_url"`
	AgentID             string `toml:"agent_id"`
	APIKey              string `toml:"api_key"`
	AgentName           string `toml:"agent_name"`
	LogLevel            string `toml:"log_level"`
	HeartbeatIntervalMS int64  `toml:"heartbeat_interval_ms"`
	ReconnectBaseMS     int64  `toml:"ws_reconnect_base_ms"`
	ReconnectMaxMS      int64  `toml:"ws_reconnect_max_ms"`
	CredentialsFile     string `toml:"credentials_file"`
}

type loadOptions struct {
	configFile string
	envFile    string
	lookupEnv  func(string) (string, bool)
	home       string
}

// Option customizes Load.
type Option func(*loadOptions)

// WithConfigFile reads path instead of $STAMN_CONFIG or the default file. A
// missing explicit file is an error.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = path }
}

// WithEnvFile reads path instead of .env in the working directory.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) { o.envFile = path }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.lookupEnv = fn }
}

// WithHome replaces the user's home directory used for default paths.
func WithHome(dir string) Option {
	return func(o *loadOptions) { o.home = dir }
}

// Load resolves the configuration. It does not validate it; callers that are
// about to connect call Validate.
func Load(opts ...Option) (*Config, error) {
	o := loadOptions{envFile: ".env", lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}
	if o.home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		o.home = home
	}

	// .env values sit below the process environment.
	dotenv := map[string]string{}
	if o.envFile != "" {
		vals, err := godotenv.Read(o.envFile)
		switch {
		case err == nil:
			dotenv = vals
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	getenv := func(key string) string {
		if v, ok := o.lookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(dotenv[key])
	}

	cfg := Default()

	path, explicit := o.configFile, o.configFile != ""
	if !explicit {
		if v := getenv(EnvConfigFile); v != "" {
			path, explicit = v, true
		} else {
			path = filepath.Join(o.home, ".stamn", "config.toml")
		}
	}
	if err := cfg.applyFile(path, explicit); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = filepath.Join(o.home, ".stamn", storage.CredentialsFileName)
	}
	if cfg.AgentID == "" || cfg.APIKey == "" {
		creds, ok, err := storage.LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := storage.CheckPermissions(cfg.CredentialsFile); err != nil {
				logger.Warnf("credentials file: %v", err)
			}
			if cfg.AgentID == "" {
				cfg.AgentID = creds.AgentID
			}
			if cfg.APIKey == "" {
				cfg.APIKey = creds.APIKey
			}
			if cfg.AgentName == "" {
				cfg.AgentName = creds.AgentName
			}
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string, explicit bool) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load config %s: %w", path, err)
	}
	c.ConfigFile = path

	if meta.IsDefined("server_url") {
		c.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("agent_id") {
		c.AgentID = strings.TrimSpace(raw.AgentID)
	}
	if meta.IsDefined("api_key") {
		c.APIKey = strings.TrimSpace(raw.APIKey)
	}
	if meta.IsDefined("agent_name") {
		c.AgentName = strings.TrimSpace(raw.AgentName)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		c.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("ws_reconnect_base_ms") {
		c.ReconnectBase = time.Duration(raw.ReconnectBaseMS) * time.Millisecond
	}
	if meta.IsDefined("ws_reconnect_max_ms") {
		c.ReconnectMax = time.Duration(raw.ReconnectMaxMS) * time.Millisecond
	}
	if meta.IsDefined("credentials_file") {
		c.CredentialsFile = strings.TrimSpace(raw.CredentialsFile)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := getenv(EnvAgentID); v != "" {
		c.AgentID = v
	}
	if v := getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
	if v := getenv(EnvCredentialsFile); v != "" {
		c.CredentialsFile = v
	}

	debug := getenv(EnvDebug)
	c.Debug = c.Debug || debug == "true" || debug == "1"
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	} else if c.Debug {
		c.LogLevel = "debug"
	}

	for _, ms := range []struct {
		key string
		dst *time.Duration
	}{
		{EnvHeartbeatInterval, &c.HeartbeatInterval},
		{EnvReconnectBase, &c.ReconnectBase},
		{EnvReconnectMax, &c.ReconnectMax},
	} {
		v := getenv(ms.key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, ms.key, v)
		}
		*ms.dst = time.Duration(n) * time.Millisecond
	}
	return nil
}

// Validate checks the settings needed to run. It does not require
// credentials; see RequireCredentials.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: server url %q must be an http(s) URL", ErrInvalidConfig, c.ServerURL)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax <= 0 {
		return fmt.Errorf("%w: reconnect delays must be positive", ErrInvalidConfig)
	}
	if c.ReconnectBase > c.ReconnectMax {
		return fmt.Errorf("%w: reconnect base %s exceeds max %s", ErrInvalidConfig, c.ReconnectBase, c.ReconnectMax)
	}
	return nil
}

// RequireCredentials reports an error when the agent id or api key is unset.
func (c *Config) RequireCredentials() error {
	if c.AgentID == "" || c.APIKey == "" {
		return fmt.Errorf("%w: agent id and api key are required (run login, or set %s and %s)",
			ErrInvalidConfig, EnvAgentID, EnvAPIKey)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logger.Level {
	lvl, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return logger.LevelInfo
	}
	return lvl
}
