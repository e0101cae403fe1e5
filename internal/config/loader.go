package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader reads the storefront configuration. Precedence: env > file > default.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader reads env variables under envPrefix (none when empty) and each
// file in order.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalKeys restores camelCase koanf paths from lowercased env keys.
var canonicalKeys = map[string]string{
	"server.storage.quotabytes":                "server.storage.quotaBytes",
	"server.storage.redis.tls.cafile":          "server.storage.redis.tls.caFile",
	"server.cache.ttlseconds":                  "server.cache.ttlSeconds",
	"storefront.lazyinit":                      "storefront.lazyInit",
	"storefront.privilegedpaths":               "storefront.privilegedPaths",
	"storefront.graphqlurl":                    "storefront.graphqlURL",
	"storefront.session.headertemplate":        "storefront.session.headerTemplate",
	"storefront.recovery.cooldownseconds":      "storefront.recovery.cooldownSeconds",
	"storefront.recovery.maxattempts":          "storefront.recovery.maxAttempts",
	"storefront.recovery.attemptwindowseconds": "storefront.recovery.attemptWindowSeconds",
	"storefront.catalog.seedfile":              "storefront.catalog.seedFile",
}

// listKeys are split on commas when they arrive through the environment,
// e.g. STOREFRONT_STOREFRONT__PRIVILEGEDPATHS=/checkout,/cart.
var listKeys = map[string]struct{}{
	"storefront.privilegedPaths": {},
}

// Load assembles the effective snapshot: defaults, then each file in order,
// then the environment. The last file read becomes Config.Source.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	source, err := l.loadFiles(ctx, k)
	if err != nil {
		return Config{}, err
	}
	if err := l.loadEnv(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Source = source
	return cfg, nil
}

func (l *Loader) loadFiles(ctx context.Context, k *koanf.Koanf) (string, error) {
	source := ""
	for _, path := range l.files {
		if path == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("config: file %s not found", path)
			}
			return "", fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return "", err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return "", fmt.Errorf("config: load file %s: %w", path, err)
		}
		source = path
	}
	return source, nil
}

func (l *Loader) loadEnv(k *koanf.Koanf) error {
	if l.envPrefix == "" {
		return nil
	}
	provider := env.ProviderWithValue(l.envPrefix, ".", func(name, value string) (string, any) {
		key := l.envKey(name)
		if _, ok := listKeys[key]; ok {
			return key, splitList(value)
		}
		return key, value
	})
	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("config: load env: %w", err)
	}
	return nil
}

// envKey maps STOREFRONT_SERVER__LISTEN__PORT to server.listen.port; double
// underscores separate path segments and single ones are dropped.
func (l *Loader) envKey(name string) string {
	key := strings.TrimPrefix(name, l.envPrefix+"_")
	key = strings.ToLower(strings.ReplaceAll(key, "__", "."))
	if mapped, ok := canonicalKeys[key]; ok {
		return mapped
	}
	return strings.ReplaceAll(key, "_", "")
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"storage": map[string]any{
				"backend":    cfg.Server.Storage.Backend,
				"quotaBytes": cfg.Server.Storage.QuotaBytes,
				"sqlite": map[string]any{
					"path": cfg.Server.Storage.SQLite.Path,
				},
				"redis": map[string]any{
					"address":   cfg.Server.Storage.Redis.Address,
					"username":  cfg.Server.Storage.Redis.Username,
					"password":  cfg.Server.Storage.Redis.Password,
					"db":        cfg.Server.Storage.Redis.DB,
					"namespace": cfg.Server.Storage.Redis.Namespace,
					"tls": map[string]any{
						"enabled": cfg.Server.Storage.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Storage.Redis.TLS.CAFile,
					},
				},
			},
			"cache": map[string]any{
				"version":    cfg.Server.Cache.Version,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
			},
		},
		"storefront": map[string]any{
			"development":     cfg.Storefront.Development,
			"lazyInit":        cfg.Storefront.LazyInit,
			"privilegedPaths": append([]string(nil), cfg.Storefront.PrivilegedPaths...),
			"domain":          cfg.Storefront.Domain,
			"path":            cfg.Storefront.Path,
			"graphqlURL":      cfg.Storefront.GraphQLURL,
			"session": map[string]any{
				"cookie":         cfg.Storefront.Session.Cookie,
				"header":         cfg.Storefront.Session.Header,
				"headerTemplate": cfg.Storefront.Session.HeaderTemplate,
			},
			"recovery": map[string]any{
				"policy":               cfg.Storefront.Recovery.Policy,
				"cooldownSeconds":      cfg.Storefront.Recovery.CooldownSeconds,
				"maxAttempts":          cfg.Storefront.Recovery.MaxAttempts,
				"attemptWindowSeconds": cfg.Storefront.Recovery.AttemptWindowSeconds,
			},
			"catalog": map[string]any{
				"search":   cfg.Storefront.Catalog.Search,
				"sort":     cfg.Storefront.Catalog.Sort,
				"order":    cfg.Storefront.Catalog.Order,
				"seedFile": cfg.Storefront.Catalog.SeedFile,
			},
		},
	}
}
