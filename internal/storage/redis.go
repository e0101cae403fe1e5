package storage

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig points the store at a valkey/redis server. Namespace isolates one
// client's keys from another's on a shared server.
type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

type redisStorage struct {
	client    valkey.Client
	namespace string
}

// NewRedis connects to the configured server and verifies it with PING.
func NewRedis(cfg RedisConfig) (Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("storage: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("storage: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("storage: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("storage: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}

	namespace := cfg.Namespace
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return &redisStorage{client: client, namespace: namespace}, nil
}

func (s *redisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.namespace+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("storage: redis get: %w", err)
	}
	value, err := resp.ToString()
	if err != nil {
		return "", false, fmt.Errorf("storage: redis get string: %w", err)
	}
	return value, true, nil
}

func (s *redisStorage) Set(ctx context.Context, key, value string) error {
	cmd := s.client.B().Set().Key(s.namespace + key).Value(value).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("storage: redis set: %w", err)
	}
	return nil
}

func (s *redisStorage) Remove(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.namespace+key).Build()).Error(); err != nil {
		return fmt.Errorf("storage: redis del: %w", err)
	}
	return nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	raw, err := s.scan(ctx, "")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, key := range raw {
		keys = append(keys, strings.TrimPrefix(key, s.namespace))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStorage) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	return s.deleteMatching(ctx, prefix)
}

func (s *redisStorage) Clear(ctx context.Context) error {
	return s.deleteMatching(ctx, "")
}

func (s *redisStorage) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (s *redisStorage) deleteMatching(ctx context.Context, prefix string) error {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("storage: redis del: %w", err)
	}
	return nil
}

// scan returns full (namespaced) keys that start with namespace+prefix.
func (s *redisStorage) scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(s.namespace+prefix) + "*"
	var (
		cursor uint64
		keys   []string
	)
	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("storage: redis scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func escapeGlob(in string) string {
	var b strings.Builder
	for _, r := range in {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
