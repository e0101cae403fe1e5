package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "v1", cfg.Server.Cache.Version)
				require.Equal(t, 1800, cfg.Server.Cache.TTLSeconds)
				require.True(t, cfg.Storefront.LazyInit)
				require.Equal(t, []string{"/checkout", "/my-account", "/order-summary"}, cfg.Storefront.PrivilegedPaths)
				require.Equal(t, RecoveryPolicySimpleGuard, cfg.Storefront.Recovery.Policy)
				require.Empty(t, cfg.Source)
			},
		},
		{
			name: "merges yaml overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "storefront.yaml")
				contents := "server:\n  listen:\n    port: 9090\nstorefront:\n  lazyInit: false\n  recovery:\n    policy: counted-guard-with-logout\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.False(t, cfg.Storefront.LazyInit)
				require.Equal(t, RecoveryPolicyCountedLogout, cfg.Storefront.Recovery.Policy)
				require.Equal(t, 3, cfg.Storefront.Recovery.MaxAttempts)
				require.NotEmpty(t, cfg.Source)
			},
		},
		{
			name: "merges json overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "storefront.json")
				contents := `{"storefront":{"catalog":{"search":"hoodie","filters":{"sale":"product.onSale"}}}}`
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "hoodie", cfg.Storefront.Catalog.Search)
				require.Equal(t, "product.onSale", cfg.Storefront.Catalog.Filters["sale"])
			},
		},
		{
			name: "merges toml overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "storefront.toml")
				contents := "[storefront]\ndevelopment = true\n\n[server.cache]\nversion = \"v2\"\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.True(t, cfg.Storefront.Development)
				require.Equal(t, "v2", cfg.Server.Cache.Version)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "storefront.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("STOREFRONT_SERVER__LISTEN__PORT", "9091")
				t.Setenv("STOREFRONT_STOREFRONT__LAZYINIT", "false")
				t.Setenv("STOREFRONT_STOREFRONT__RECOVERY__COOLDOWNSECONDS", "20")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.False(t, cfg.Storefront.LazyInit)
				require.Equal(t, 20, cfg.Storefront.Recovery.CooldownSeconds)
			},
		},
		{
			name: "splits env lists on commas",
			setup: func(t *testing.T) []string {
				t.Setenv("STOREFRONT_STOREFRONT__PRIVILEGEDPATHS", "/checkout, /cart,,/wishlist")
				t.Setenv("STOREFRONT_STOREFRONT__GRAPHQLURL", "https://shop.example/graphql")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, []string{"/checkout", "/cart", "/wishlist"}, cfg.Storefront.PrivilegedPaths)
				require.Equal(t, "https://shop.example/graphql", cfg.Storefront.GraphQLURL)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "storefront.ini")
				require.NoError(t, os.WriteFile(path, []byte("port=1"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails validation for unknown policy",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "storefront.yaml")
				require.NoError(t, os.WriteFile(path, []byte("storefront:\n  recovery:\n    policy: reload-forever\n"), 0o600))
				return []string{path}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("STOREFRONT", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonorsCanceledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storefront.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {}\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
