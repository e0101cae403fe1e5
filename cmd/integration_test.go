package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/storefront/internal/config"
)

// storefrontProcess is the compiled binary running against a temp config.
type storefrontProcess struct {
	cmd    *exec.Cmd
	exited chan error
	output *bytes.Buffer
}

// buildStorefront compiles the command once per test into dir.
func buildStorefront(t *testing.T, dir string) string {
	t.Helper()
	bin := filepath.Join(dir, "storefront")
	build := exec.Command("go", "build", "-o", bin, ".")
	build.Env = append(os.Environ(), "GOFLAGS=", "CGO_ENABLED=0")
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build storefront: %v\n%s", err, out)
	}
	return bin
}

func launchStorefront(t *testing.T, bin, configPath string, env ...string) *storefrontProcess {
	t.Helper()
	cmd := exec.Command(bin, "-config", configPath)
	cmd.Env = append(os.Environ(), env...)
	output := &bytes.Buffer{}
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		t.Fatalf("start storefront: %v", err)
	}
	proc := &storefrontProcess{cmd: cmd, exited: make(chan error, 1), output: output}
	go func() { proc.exited <- cmd.Wait() }()
	t.Cleanup(func() { proc.shutdown(t) })
	return proc
}

// shutdown sends SIGINT and escalates to SIGKILL after a grace period. The
// captured output is logged only for failed tests.
func (p *storefrontProcess) shutdown(t *testing.T) {
	t.Helper()
	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		_ = p.cmd.Process.Signal(syscall.SIGKILL)
		<-p.exited
	}
	if t.Failed() {
		t.Logf("storefront output:\n%s", strings.TrimSpace(p.output.String()))
	}
}

func (p *storefrontProcess) awaitHealthy(t *testing.T, client *http.Client, base string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-p.exited:
			t.Fatalf("storefront exited early: %v\n%s", err, p.output.String())
		default:
		}
		resp, err := client.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("storefront not healthy within %v", timeout)
}

func writeIntegrationConfig(t *testing.T, dir string, port int, graphqlURL string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("failed to ensure config dir: %v", err)
	}
	seed := filepath.Join(dir, "products.json")
	products := []map[string]any{
		{"id": "hoodie", "name": "Logo Hoodie", "price": 42, "regularPrice": 60, "onSale": true, "categories": []map[string]any{{"slug": "tops"}}},
		{"id": "cap", "name": "Cap", "price": 15, "regularPrice": 15, "categories": []map[string]any{{"slug": "accessories"}}},
		{"id": "tee", "name": "Basic Tee", "price": 15, "regularPrice": 20, "onSale": true, "categories": []map[string]any{{"slug": "tops"}}},
	}
	raw, err := json.Marshal(products)
	if err != nil {
		t.Fatalf("failed to encode seed: %v", err)
	}
	if err := os.WriteFile(seed, raw, 0o600); err != nil {
		t.Fatalf("failed to write seed: %v", err)
	}

	contents := fmt.Sprintf(`server:
  listen:
    address: 127.0.0.1
    port: %d
  logging:
    level: debug
    format: text
  storage:
    backend: sqlite
    sqlite:
      path: %s
storefront:
  lazyInit: true
  graphqlURL: %s
  catalog:
    seedFile: %s
    sort: price
    order: asc
`, port, filepath.Join(dir, "storage.db"), graphqlURL, seed)

	path := filepath.Join(dir, "storefront.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	port := addr.Port
	if cerr := l.Close(); cerr != nil {
		t.Fatalf("failed to close listener: %v", cerr)
	}
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func newFakeCommerceAPI(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("woocommerce-session", "integration-token")
		_, _ = io.WriteString(w, `{"data":{"cart":{"isEmpty":true,"contentsCount":0,"total":"$0.00"},"customer":{"databaseId":0,"sessionToken":"integration-token"}}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestIntegrationStorefront(t *testing.T) {
	if os.Getenv("STOREFRONT_INTEGRATION") == "" {
		t.Skip("set STOREFRONT_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	commerce, cartCalls := newFakeCommerceAPI(t)
	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, port, commerce.URL)

	loader := config.NewLoader("STOREFRONT", configPath)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load integration config: %v", err)
	}
	if cfg.Server.Storage.Backend != "sqlite" {
		t.Fatalf("expected sqlite storage, got %q", cfg.Server.Storage.Backend)
	}

	bin := buildStorefront(t, temp)
	process := launchStorefront(t, bin, configPath, "STOREFRONT_SERVER__LOGGING__LEVEL=debug")

	client := &http.Client{Timeout: 5 * time.Second}
	base := integrationURL(port, "")
	process.awaitHealthy(t, client, base, 45*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  base,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	t.Run("seeded catalog is sorted by configured criteria", func(t *testing.T) {
		products := expect.GET("/products").Expect().
			Status(http.StatusOK).
			JSON().Object().Value("products").Array()
		products.Length().IsEqual(3)
		products.Value(2).Object().HasValue("id", "hoodie")
	})

	t.Run("refine narrows the derived list", func(t *testing.T) {
		expect.POST("/products/refine").
			WithJSON(map[string]any{"filters": map[string]string{"tops": `"tops" in product.categories`}}).
			Expect().
			Status(http.StatusOK).
			JSON().Object().HasValue("count", 2)
		expect.GET("/products/all").Expect().
			Status(http.StatusOK).
			JSON().Object().HasValue("count", 3)
	})

	t.Run("session waits for first interaction", func(t *testing.T) {
		expect.GET("/session").Expect().
			Status(http.StatusOK).
			JSON().Object().HasValue("state", "waiting-for-interaction")
		if got := cartCalls.Load(); got != 0 {
			t.Fatalf("expected no cart refresh before interaction, got %d", got)
		}

		expect.POST("/interactions/scroll").Expect().Status(http.StatusAccepted)
		expect.POST("/interactions/click").Expect().
			Status(http.StatusAccepted).
			JSON().Object().HasValue("delivered", 0)

		expect.GET("/session").Expect().
			Status(http.StatusOK).
			JSON().Object().HasValue("state", "succeeded").HasValue("runs", 1)
		if got := cartCalls.Load(); got != 1 {
			t.Fatalf("expected exactly one cart refresh, got %d", got)
		}
	})

	t.Run("metrics expose bootstrap transitions", func(t *testing.T) {
		body := expect.GET("/metrics").Expect().Status(http.StatusOK).Body().Raw()
		require.Contains(t, body, "storefront_bootstrap_transitions_total")
	})

	t.Run("settings edits apply without restart", func(t *testing.T) {
		edited, err := os.ReadFile(configPath)
		require.NoError(t, err)
		updated := strings.Replace(string(edited), "    order: asc\n", "    order: asc\n    search: tee\n", 1)
		require.NoError(t, os.WriteFile(configPath, []byte(updated), 0o600))

		require.Eventually(t, func() bool {
			resp, err := client.Get(base + "/products/refine")
			if err != nil {
				return false
			}
			defer resp.Body.Close()
			var body struct {
				Search string `json:"search"`
			}
			return json.NewDecoder(resp.Body).Decode(&body) == nil && body.Search == "tee"
		}, 5*time.Second, 50*time.Millisecond)
	})
}
