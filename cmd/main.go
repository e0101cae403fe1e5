package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/storefront/internal/catalog"
	"github.com/l0p7/storefront/internal/config"
	"github.com/l0p7/storefront/internal/expr"
	"github.com/l0p7/storefront/internal/graphql"
	"github.com/l0p7/storefront/internal/interaction"
	"github.com/l0p7/storefront/internal/logging"
	"github.com/l0p7/storefront/internal/metrics"
	"github.com/l0p7/storefront/internal/productcache"
	"github.com/l0p7/storefront/internal/refine"
	"github.com/l0p7/storefront/internal/server"
	"github.com/l0p7/storefront/internal/session"
	"github.com/l0p7/storefront/internal/storage"
	"github.com/l0p7/storefront/internal/templates"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	Watch(context.Context, config.Config, func(config.Change), func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type koanfLoader struct {
	*config.Loader
}

func (l koanfLoader) Watch(ctx context.Context, cfg config.Config, onChange func(config.Change), onError func(error)) (configWatcher, error) {
	w, err := l.Loader.Watch(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, file string) configLoader {
		return koanfLoader{config.NewLoader(envPrefix, file)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, rec *metrics.Recorder, handler http.Handler) (runnableServer, error) {
		return server.New(cfg.Server.Listen, logger, rec, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to storefront configuration file")
		envPrefix  = flag.String("env-prefix", "STOREFRONT", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, logLevel, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	store := buildStorage(ctx, logger.With(slog.String("agent", "storage_factory")), cfg.Server.Storage)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("storage shutdown failed", slog.Any("error", err))
		}
	}()

	productCache := productcache.New[[]catalog.Product](store,
		productcache.WithVersion(cfg.Server.Cache.Version),
		productcache.WithTTL(cfg.Server.Cache.TTL()),
		productcache.WithLogger(logger),
		productcache.WithMetrics(recorder),
	)

	env, err := expr.NewEnvironment()
	if err != nil {
		return err
	}
	filter := refine.NewFilter(env)
	search := refine.NewSearch()
	sorter := refine.NewSort()
	if err := applyCatalogCriteria(cfg.Storefront.Catalog, filter, search, sorter); err != nil {
		return fmt.Errorf("catalog criteria: %w", err)
	}

	products := catalog.NewStore(catalog.Options{
		Filter:  filter,
		Search:  search,
		Sort:    sorter,
		Logger:  logger,
		Metrics: recorder,
	})
	loadCatalog(ctx, logger, products, productCache, cfg.Storefront.Catalog.SeedFile)

	bus := interaction.NewBus()
	page := newPage(cfg, pageDeps{
		storage:      store,
		interactions: bus,
		jar:          graphql.NewJar(),
		renderer:     templates.NewRenderer(),
		logger:       logger,
		metrics:      recorder,
	})
	page.load(ctx)
	defer page.close()

	if cfg.Source != "" {
		watcher, err := loader.Watch(ctx, cfg, func(change config.Change) {
			if err := logging.Apply(logLevel, change.Config.Server.Logging); err != nil {
				logger.Error("log level rejected", slog.Any("error", err))
			}
			applyConfigChange(ctx, logger, change, products, productCache, filter, search, sorter)
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	api, err := server.NewAPI(server.APIOptions{
		Store:        products,
		Cache:        productCache,
		Filter:       filter,
		Search:       search,
		Sort:         sorter,
		Interactions: bus,
		Session:      page.snapshot,
		Metrics:      recorder.Handler(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	srv, err := newHTTPServer(cfg, logger, recorder, server.NewHandler(api))
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

// buildStorage picks the client-local storage backend. Backends that fail to
// open fall back to memory so the storefront keeps serving.
func buildStorage(ctx context.Context, logger *slog.Logger, cfg config.StorageConfig) storage.Storage {
	logger = logging.OrDiscard(logger)
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory storage", slog.Int("quota_bytes", cfg.QuotaBytes))
		return storage.NewMemory(cfg.QuotaBytes)
	case "none":
		logger.Warn("client storage disabled, product cache and reload guard are inactive")
		return storage.Unavailable{}
	case "sqlite":
		s, err := storage.NewSQLite(ctx, cfg.SQLite.Path, cfg.QuotaBytes)
		if err != nil {
			logger.Error("sqlite storage initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory storage")
			return storage.NewMemory(cfg.QuotaBytes)
		}
		logger.Info("using sqlite storage", slog.String("path", cfg.SQLite.Path))
		return s
	case "redis":
		s, err := storage.NewRedis(storage.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
			TLS: storage.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis storage initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory storage")
			return storage.NewMemory(cfg.QuotaBytes)
		}
		logger.Info("using redis storage", slog.String("address", cfg.Redis.Address))
		return s
	default:
		logger.Warn("unsupported storage backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return storage.NewMemory(cfg.QuotaBytes)
	}
}

func applyCatalogCriteria(cfg config.CatalogConfig, filter *refine.Filter, search *refine.Search, sorter *refine.Sort) error {
	if err := sorter.Set(cfg.Sort, cfg.Order); err != nil {
		return err
	}
	if err := filter.Replace(cfg.Filters); err != nil {
		return err
	}
	search.SetQuery(cfg.Search)
	return nil
}

// loadCatalog populates the store from the product cache, falling back to the
// seed file. A seed load refreshes the cache.
func loadCatalog(ctx context.Context, logger *slog.Logger, products *catalog.Store, cache *productcache.Cache[[]catalog.Product], seedFile string) {
	products.SetLoading(true)
	defer products.UpdateProductList(ctx)

	if cached, ok := cache.Get(ctx, server.CatalogCacheKey); ok {
		products.SetProducts(cached)
		logger.Info("catalog loaded from cache", slog.Int("count", len(cached)))
		return
	}
	if strings.TrimSpace(seedFile) == "" {
		products.SetProducts([]catalog.Product{})
		return
	}
	loadSeed(ctx, logger, products, cache, seedFile)
}

// loadSeed replaces the canonical list with the seed file contents and
// refreshes the cache. Unreadable or malformed files take the fail-soft
// reset path and leave the cache untouched.
func loadSeed(ctx context.Context, logger *slog.Logger, products *catalog.Store, cache *productcache.Cache[[]catalog.Product], seedFile string) {
	raw, err := os.ReadFile(seedFile)
	if err != nil {
		logger.Error("catalog seed unreadable", slog.String("path", seedFile), slog.Any("error", err))
		products.SetProducts(nil)
		return
	}
	if err := products.SetProductsJSON(raw); err != nil {
		logger.Error("catalog seed rejected", slog.String("path", seedFile), slog.Any("error", err))
		return
	}
	all := products.AllProducts()
	cache.Set(ctx, server.CatalogCacheKey, all)
	logger.Info("catalog loaded from seed file", slog.String("path", seedFile), slog.Int("count", len(all)))
}

// applyConfigChange re-applies refine criteria from a reloaded snapshot and,
// when the seed file itself changed, reloads the canonical list. Rejected
// criteria leave the previous stages and list untouched.
func applyConfigChange(ctx context.Context, logger *slog.Logger, change config.Change, products *catalog.Store, cache *productcache.Cache[[]catalog.Product], filter *refine.Filter, search *refine.Search, sorter *refine.Sort) {
	catalogCfg := change.Config.Storefront.Catalog
	if err := applyCatalogCriteria(catalogCfg, filter, search, sorter); err != nil {
		logger.Error("catalog criteria rejected", slog.Any("error", err))
		return
	}
	if change.Seed && strings.TrimSpace(catalogCfg.SeedFile) != "" {
		loadSeed(ctx, logger, products, cache, catalogCfg.SeedFile)
	}
	products.UpdateProductList(ctx)
	logger.Info("catalog criteria reloaded",
		slog.String("source", change.Config.Source),
		slog.Bool("reseeded", change.Seed),
	)
}

type pageDeps struct {
	storage      storage.Storage
	interactions *interaction.Bus
	jar          *graphql.Jar
	renderer     *templates.Renderer
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Recorder
}

// page models one loaded storefront page: a fresh transport and session
// bootstrapper. A reload discards both and builds new ones, while storage
// and cookies survive like they do in a browser.
type page struct {
	cfg    config.StorefrontConfig
	deps   pageDeps
	logger *slog.Logger

	reloads chan struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu      sync.RWMutex
	current *session.Bootstrapper
	loads   int
}

func newPage(cfg config.Config, deps pageDeps) *page {
	return &page{
		cfg:     cfg.Storefront,
		deps:    deps,
		logger:  logging.OrDiscard(deps.logger).With(slog.String("agent", "page")),
		reloads: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// load builds the first page and services reload requests until ctx ends or
// close is called.
func (p *page) load(ctx context.Context) {
	if strings.TrimSpace(p.cfg.GraphQLURL) == "" {
		p.logger.Info("no graphql endpoint configured, session bootstrap disabled")
		return
	}
	p.build(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-p.reloads:
				p.build(ctx)
			}
		}
	}()
}

func (p *page) build(ctx context.Context) {
	opts := []graphql.Option{
		graphql.WithJar(p.deps.jar, p.cfg.Session.Cookie, p.cfg.Domain),
		graphql.WithLogger(p.deps.logger),
		graphql.WithMetrics(p.deps.metrics),
	}
	if p.deps.httpClient != nil {
		opts = append(opts, graphql.WithHTTPClient(p.deps.httpClient))
	}
	client := graphql.NewClient(p.cfg.GraphQLURL, opts...)

	b, err := session.New(session.Options{
		Config:       p.cfg,
		Storage:      p.deps.storage,
		Interactions: p.deps.interactions,
		Transport:    client,
		Cart:         graphql.NewCartService(client, p.deps.logger),
		Auth:         graphql.NewAuthService(client, p.deps.logger),
		Cookies:      p.deps.jar,
		Reloader:     session.ReloaderFunc(p.requestReload),
		Renderer:     p.deps.renderer,
		Logger:       p.deps.logger,
		Metrics:      p.deps.metrics,
	})
	if err != nil {
		p.logger.Error("session bootstrapper setup failed", slog.Any("error", err))
		return
	}

	p.mu.Lock()
	previous := p.current
	p.current = b
	p.loads++
	loads := p.loads
	p.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}
	p.logger.Info("page loaded", slog.Int("loads", loads))
	b.Start(ctx)
}

func (p *page) requestReload() {
	select {
	case p.reloads <- struct{}{}:
	default:
	}
}

func (p *page) snapshot() (session.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return session.Snapshot{}, false
	}
	return p.current.Snapshot(), true
}

func (p *page) loadCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loads
}

func (p *page) close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()
	if current != nil {
		current.Stop()
	}
}
