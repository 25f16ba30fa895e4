package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/turnstile-appcheck/appcheck"
	"github.com/florianilch/turnstile-appcheck/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// LogExporter selects where log records are exported.
type LogExporter string

const (
	LogExporterNone     LogExporter = "none"
	LogExporterStdout   LogExporter = "stdout"
	LogExporterOTLPHTTP LogExporter = "otlp-http"
	LogExporterOTLPGRPC LogExporter = "otlp-grpc"
)

// CacheStorageType represents where exchanged tokens are kept between runs.
type CacheStorageType string

const (
	CacheStorageNone    CacheStorageType = "none"
	CacheStorageFile    CacheStorageType = "file"
	CacheStorageKeyring CacheStorageType = "keyring"
)

// keyringService names the keyring entry holding the cached token.
const keyringService = "turnstile-appcheck-token"

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigLogExporter     = LogExporterNone
	DefaultConfigExchangeTimeout = appcheck.DefaultExchangeTimeout
	DefaultConfigCacheStorage    = CacheStorageFile
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4100
	DefaultConfigShutdownTimeout = 5 * time.Second
)

// ExchangeConfig describes the backend exchange endpoint and widget.
type ExchangeConfig struct {
	URL     string        `json:"url" validate:"required,url"`
	SiteKey string        `json:"site_key" validate:"required"`
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// ChallengeConfig holds the response the headless widget answers challenges with.
type ChallengeConfig struct {
	Response string `json:"response"`
}

// CacheConfig describes persistence of exchanged tokens between runs.
type CacheConfig struct {
	Storage CacheStorageType `json:"storage" validate:"required,oneof=none file keyring"`

	// Storage-specific settings (mutually exclusive based on Storage type)
	File        string `json:"file,omitempty"`         // For file storage: path to token file
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier
}

// NewTokenStore creates a TokenStore from the cache configuration.
// Returns nil for CacheStorageNone.
func (c *CacheConfig) NewTokenStore() (tokenstore.TokenStore, error) {
	switch c.Storage {
	case CacheStorageNone:
		return nil, nil
	case CacheStorageFile:
		return tokenstore.NewFileStore(c.File)
	case CacheStorageKeyring:
		return tokenstore.NewKeyringStore(keyringService, c.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", c.Storage)
	}
}

// ServerConfig holds dev server configuration.
type ServerConfig struct {
	Host      string `json:"host" validate:"hostname_rfc1123|ip"`
	Port      uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
	AssetsDir string `json:"assets_dir,omitempty"`
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level      `json:"log_level"`
	LogFormat   LogFormat       `json:"log_format" validate:"oneof=text json"`
	LogExporter LogExporter     `json:"log_exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
	Exchange    ExchangeConfig  `json:"exchange"`
	Challenge   ChallengeConfig `json:"challenge"`
	Cache       CacheConfig     `json:"cache"`
	Server      ServerConfig    `json:"server"`
	Shutdown    ShutdownConfig  `json:"shutdown"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExporter == "" {
		c.LogExporter = DefaultConfigLogExporter
	}
	if c.Exchange.Timeout == 0 {
		c.Exchange.Timeout = DefaultConfigExchangeTimeout
	}
	if c.Cache.Storage == "" {
		c.Cache.Storage = DefaultConfigCacheStorage
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}

	// Dynamic defaults based on storage type
	switch c.Cache.Storage {
	case CacheStorageFile:
		if c.Cache.File == "" {
			cacheDir, err := os.UserCacheDir()
			if err != nil {
				return fmt.Errorf("cache.file required (auto-detect failed: %w)", err)
			}
			c.Cache.File = filepath.Join(cacheDir, "turnstile-appcheck", "token.json")
		}
	case CacheStorageKeyring:
		if c.Cache.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("cache.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Cache.KeyringUser = currentUser.Username
		}
	case CacheStorageNone:
		// nothing to configure
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Cache.Storage {
	case CacheStorageFile:
		if c.Cache.File == "" {
			return errors.New("file path required for file storage")
		}
	case CacheStorageKeyring:
		if c.Cache.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	return nil
}

// ValidateForToken checks the settings needed to fetch a token headlessly.
func (c *Config) ValidateForToken() error {
	if c.Challenge.Response == "" {
		return errors.New("challenge.response required to fetch a token without a browser")
	}
	return nil
}

// ValidateForServe checks the settings needed to run the dev server.
func (c *Config) ValidateForServe() error {
	if c.Server.AssetsDir == "" {
		return errors.New("server.assets_dir required to serve the wasm build")
	}
	info, err := os.Stat(c.Server.AssetsDir)
	if err != nil {
		return fmt.Errorf("server.assets_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("server.assets_dir %s is not a directory", c.Server.AssetsDir)
	}
	return nil
}

// ProviderConfig returns the appcheck configuration.
func (c *Config) ProviderConfig() appcheck.Config {
	return appcheck.Config{
		TokenExchangeURL: c.Exchange.URL,
		SiteKey:          c.Exchange.SiteKey,
	}
}
