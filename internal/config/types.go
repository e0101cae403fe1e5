package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Recovery policy names accepted by storefront.recovery.policy.
const (
	RecoveryPolicyNone          = "none"
	RecoveryPolicySimpleGuard   = "simple-timestamp-guard"
	RecoveryPolicyCountedLogout = "counted-guard-with-logout"
)

// Config holds every server-level option plus the storefront session settings.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storefront StorefrontConfig `koanf:"storefront"`

	// Source records the file the loader read, if any. The watcher uses it to
	// know which path to observe.
	Source string `koanf:"-"`
}

// ServerConfig collects the process-level knobs: listener, logging, storage and cache.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Storage StorageConfig `koanf:"storage"`
	Cache   CacheConfig   `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StorageConfig selects the client-local storage backend shared by the
// product cache and the reload guard.
type StorageConfig struct {
	Backend    string              `koanf:"backend"`
	QuotaBytes int                 `koanf:"quotaBytes"`
	SQLite     SQLiteStorageConfig `koanf:"sqlite"`
	Redis      RedisStorageConfig  `koanf:"redis"`
}

type SQLiteStorageConfig struct {
	Path string `koanf:"path"`
}

type RedisStorageConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	Namespace string         `koanf:"namespace"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// CacheConfig controls the product cache key prefix and entry lifetime.
type CacheConfig struct {
	Version    string `koanf:"version"`
	TTLSeconds int    `koanf:"ttlSeconds"`
}

// TTL converts the configured seconds into a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// StorefrontConfig mirrors the store settings consumed by the session bootstrapper.
type StorefrontConfig struct {
	Development     bool           `koanf:"development"`
	LazyInit        bool           `koanf:"lazyInit"`
	PrivilegedPaths []string       `koanf:"privilegedPaths"`
	Domain          string         `koanf:"domain"`
	Path            string         `koanf:"path"`
	GraphQLURL      string         `koanf:"graphqlURL"`
	Session         SessionConfig  `koanf:"session"`
	Recovery        RecoveryConfig `koanf:"recovery"`
	Catalog         CatalogConfig  `koanf:"catalog"`
}

type SessionConfig struct {
	Cookie         string `koanf:"cookie"`
	Header         string `koanf:"header"`
	HeaderTemplate string `koanf:"headerTemplate"`
}

// RecoveryConfig picks the cart-failure recovery strategy and its guard windows.
type RecoveryConfig struct {
	Policy               string `koanf:"policy"`
	CooldownSeconds      int    `koanf:"cooldownSeconds"`
	MaxAttempts          int    `koanf:"maxAttempts"`
	AttemptWindowSeconds int    `koanf:"attemptWindowSeconds"`
}

// Cooldown is the minimum gap between two recovery reloads.
func (c RecoveryConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// AttemptWindow is how long counted attempts are remembered.
func (c RecoveryConfig) AttemptWindow() time.Duration {
	return time.Duration(c.AttemptWindowSeconds) * time.Second
}

// CatalogConfig seeds the refine stages and, optionally, the canonical product list.
type CatalogConfig struct {
	Filters  map[string]string `koanf:"filters"`
	Search   string            `koanf:"search"`
	Sort     string            `koanf:"sort"`
	Order    string            `koanf:"order"`
	SeedFile string            `koanf:"seedFile"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	if strings.TrimSpace(c.Server.Cache.Version) == "" {
		return errors.New("config: server.cache.version required")
	}
	if strings.Contains(c.Server.Cache.Version, ":") {
		return fmt.Errorf("config: server.cache.version must not contain ':': %s", c.Server.Cache.Version)
	}
	if c.Server.Storage.QuotaBytes < 0 {
		return fmt.Errorf("config: server.storage.quotaBytes invalid: %d", c.Server.Storage.QuotaBytes)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Storage.Backend))
	switch backend {
	case "", "memory", "none":
	case "sqlite":
		if strings.TrimSpace(c.Server.Storage.SQLite.Path) == "" {
			return errors.New("config: server.storage.sqlite.path required for sqlite backend")
		}
	case "redis":
		if strings.TrimSpace(c.Server.Storage.Redis.Address) == "" {
			return errors.New("config: server.storage.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.storage.backend unsupported: %s", c.Server.Storage.Backend)
	}
	if err := c.Storefront.Recovery.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storefront.Session.Cookie) == "" {
		return errors.New("config: storefront.session.cookie required")
	}
	if strings.TrimSpace(c.Storefront.Session.Header) == "" {
		return errors.New("config: storefront.session.header required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storefront.Catalog.Order)) {
	case "", "asc", "desc":
	default:
		return fmt.Errorf("config: storefront.catalog.order unsupported: %s", c.Storefront.Catalog.Order)
	}
	return nil
}

func (c RecoveryConfig) validate() error {
	switch strings.TrimSpace(c.Policy) {
	case RecoveryPolicyNone, RecoveryPolicySimpleGuard, RecoveryPolicyCountedLogout:
	default:
		return fmt.Errorf("config: storefront.recovery.policy unsupported: %s", c.Policy)
	}
	if c.CooldownSeconds <= 0 {
		return fmt.Errorf("config: storefront.recovery.cooldownSeconds invalid: %d", c.CooldownSeconds)
	}
	if c.Policy == RecoveryPolicyCountedLogout {
		if c.MaxAttempts <= 0 {
			return fmt.Errorf("config: storefront.recovery.maxAttempts invalid: %d", c.MaxAttempts)
		}
		if c.AttemptWindowSeconds <= 0 {
			return fmt.Errorf("config: storefront.recovery.attemptWindowSeconds invalid: %d", c.AttemptWindowSeconds)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values used when no file or env override exists.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Storage: StorageConfig{
				Backend:    "memory",
				QuotaBytes: 5 << 20,
			},
			Cache: CacheConfig{
				Version:    "v1",
				TTLSeconds: 30 * 60,
			},
		},
		Storefront: StorefrontConfig{
			LazyInit:        true,
			PrivilegedPaths: []string{"/checkout", "/my-account", "/order-summary"},
			Path:            "/",
			Session: SessionConfig{
				Cookie:         "woocommerce-session",
				Header:         "woocommerce-session",
				HeaderTemplate: "Session {{ .Token }}",
			},
			Recovery: RecoveryConfig{
				Policy:               RecoveryPolicySimpleGuard,
				CooldownSeconds:      10,
				MaxAttempts:          3,
				AttemptWindowSeconds: 5 * 60,
			},
		},
	}
}
