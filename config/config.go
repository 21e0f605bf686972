// Package config provides configuration management for the relay and the
// asset cache engine.
//
// Values are resolved in this order, later sources winning:
// built-in defaults, config.yaml (with ${VAR} and ${VAR:-default} expansion),
// .env, and finally the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUpstreamURL is the chat-completion endpoint every request is relayed to.
	DefaultUpstreamURL = "https://openrouter.ai/api/v1/chat/completions"

	// DefaultTitle is sent upstream in the X-Title header.
	DefaultTitle = "Calculator Web Product Chat"

	// DefaultChatPath is the inbound relay route.
	DefaultChatPath = "/api/openrouter-chat"

	// DefaultBodySizeLimit caps inbound request bodies (echo size notation).
	DefaultBodySizeLimit = "1M"

	// CredentialEnv names the environment variable holding the upstream key.
	CredentialEnv = "OPENROUTER_API_KEY"
)

// DefaultCoreAssets is the precache list of the asset cache engine.
var DefaultCoreAssets = []string{
	"./",
	"./index.html",
	"./manifest.webmanifest",
	"./offline.html",
	"./help.html",
	"./memo.html",
	"./qr.html",
}

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LogConfig      `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig holds HTTP listener configuration of the server variant
type ServerConfig struct {
	Port          string `yaml:"port" env:"PORT" validate:"required,numeric"`
	ChatPath      string `yaml:"chat_path" env:"CHAT_PATH" validate:"required,startswith=/"`
	BodySizeLimit string `yaml:"body_size_limit" env:"BODY_SIZE_LIMIT" validate:"required"`
	StaticDir     string `yaml:"static_dir" env:"STATIC_DIR"`
	CORSEnabled   bool   `yaml:"cors_enabled" env:"CORS_ENABLED"`
}

// UpstreamConfig describes the single chat-completion endpoint being relayed.
// APIKey may be empty: a missing credential is reported per request, not at startup.
type UpstreamConfig struct {
	URL    string `yaml:"url" env:"UPSTREAM_URL" validate:"required,url"`
	APIKey string `yaml:"api_key" env:"OPENROUTER_API_KEY"`
	Title  string `yaml:"title" env:"UPSTREAM_TITLE" validate:"required"`
}

// HTTPConfig holds upstream transport timeouts, in seconds. Zero disables a timeout.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout" env:"HTTP_TIMEOUT" validate:"gte=0"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout" env:"HTTP_RESPONSE_HEADER_TIMEOUT" validate:"gte=0"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Format string `yaml:"format" env:"LOG_FORMAT" validate:"oneof=auto json pretty"`
	Level  string `yaml:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Endpoint string `yaml:"endpoint" env:"METRICS_ENDPOINT" validate:"required,startswith=/"`
}

// CacheConfig configures the asset cache engine.
type CacheConfig struct {
	Origin      string             `yaml:"origin" env:"CACHE_ORIGIN" validate:"required,url"`
	Prefix      string             `yaml:"prefix" env:"CACHE_PREFIX" validate:"required"`
	Version     string             `yaml:"version" env:"CACHE_VERSION" validate:"required"`
	Assets      []string           `yaml:"assets" env:"CACHE_ASSETS" envSeparator:","`
	OfflinePath string             `yaml:"offline_path" env:"CACHE_OFFLINE_PATH" validate:"required"`
	Storage     CacheStorageConfig `yaml:"storage"`
}

// CacheStorageConfig selects and configures the cache storage backend.
type CacheStorageConfig struct {
	Type        string `yaml:"type" env:"CACHE_STORAGE_TYPE" validate:"oneof=memory file sqlite redis"`
	SQLitePath  string `yaml:"sqlite_path" env:"CACHE_SQLITE_PATH"`
	FileDir     string `yaml:"file_dir" env:"CACHE_FILE_DIR"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" env:"CACHE_REDIS_PREFIX"`
}

// Load reads configuration from defaults, the optional config file, .env and
// the environment, then validates the result.
func Load() (*Config, error) {
	// .env is optional; it never overrides variables that are already set.
	_ = godotenv.Load()

	cfg := buildDefaultConfig()

	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyConfigFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv resolves configuration from defaults and the process
// environment only. Short-lived hosts use it: they have no config file.
func LoadFromEnv() (*Config, error) {
	cfg := buildDefaultConfig()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints declared in struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid configuration: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "3000",
			ChatPath:      DefaultChatPath,
			BodySizeLimit: DefaultBodySizeLimit,
			CORSEnabled:   true,
		},
		Upstream: UpstreamConfig{
			URL:   DefaultUpstreamURL,
			Title: DefaultTitle,
		},
		HTTP: HTTPConfig{
			Timeout:               0,
			ResponseHeaderTimeout: 600,
		},
		Logging: LogConfig{
			Format: "auto",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Cache: CacheConfig{
			Origin:      "http://localhost:3000",
			Prefix:      "calc-cache",
			Version:     "v1.1.3",
			Assets:      append([]string(nil), DefaultCoreAssets...),
			OfflinePath: "./offline.html",
			Storage: CacheStorageConfig{
				Type:        "sqlite",
				SQLitePath:  filepath.Join("data", "assetcache.db"),
				FileDir:     filepath.Join("data", "assetcache"),
				RedisURL:    "redis://localhost:6379",
				RedisPrefix: "assetcache",
			},
		},
	}
}

// findConfigFile returns CONFIG_PATH when set, otherwise the first config.yaml
// found in the working directory or ./config. An empty path means none exists.
func findConfigFile() (string, error) {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("config file %s: %w", p, err)
		}
		return p, nil
	}
	for _, p := range []string{"config.yaml", filepath.Join("config", "config.yaml")} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func applyConfigFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandString(string(raw))), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders.
// ${VAR} is left untouched when VAR is unset or empty so that a missing
// secret stays visible instead of silently becoming "".
func expandString(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}
