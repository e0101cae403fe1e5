package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/storefront/internal/catalog"
	"github.com/l0p7/storefront/internal/interaction"
	"github.com/l0p7/storefront/internal/logging"
	"github.com/l0p7/storefront/internal/productcache"
	"github.com/l0p7/storefront/internal/refine"
	"github.com/l0p7/storefront/internal/session"
)

const maxProductsBody = 8 << 20

// CatalogCacheKey is the logical product cache key for the full catalog.
const CatalogCacheKey = "products:all"

// APIOptions wires the API to the storefront components. Cache, Session and
// Metrics are optional.
type APIOptions struct {
	Store        *catalog.Store
	Cache        *productcache.Cache[[]catalog.Product]
	Filter       *refine.Filter
	Search       *refine.Search
	Sort         *refine.Sort
	Interactions *interaction.Bus
	Session      func() (session.Snapshot, bool)
	Metrics      http.Handler
	Logger       *slog.Logger
}

// API serves the storefront over HTTP.
type API struct {
	store        *catalog.Store
	cache        *productcache.Cache[[]catalog.Product]
	filter       *refine.Filter
	search       *refine.Search
	sort         *refine.Sort
	interactions *interaction.Bus
	session      func() (session.Snapshot, bool)
	metrics      http.Handler
	logger       *slog.Logger
	started      time.Time
}

// NewAPI validates that the store and all three refine stages are set.
func NewAPI(opts APIOptions) (*API, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server: product store required")
	}
	if opts.Filter == nil || opts.Search == nil || opts.Sort == nil {
		return nil, fmt.Errorf("server: refine stages required")
	}
	return &API{
		store:        opts.Store,
		cache:        opts.Cache,
		filter:       opts.Filter,
		search:       opts.Search,
		sort:         opts.Sort,
		interactions: opts.Interactions,
		session:      opts.Session,
		metrics:      opts.Metrics,
		logger:       logging.OrDiscard(opts.Logger).With(slog.String("agent", "api")),
		started:      time.Now(),
	}, nil
}

type productsResponse struct {
	Products []catalog.Product `json:"products"`
	Count    int               `json:"count"`
	Loading  bool              `json:"loading"`
}

// ServeProducts returns the derived (refined) list.
func (a *API) ServeProducts(w http.ResponseWriter, r *http.Request) {
	products := a.store.Products()
	a.writeJSON(w, http.StatusOK, productsResponse{Products: products, Count: len(products), Loading: a.store.Loading()})
}

// ServeAllProducts returns the canonical list.
func (a *API) ServeAllProducts(w http.ResponseWriter, r *http.Request) {
	products := a.store.AllProducts()
	a.writeJSON(w, http.StatusOK, productsResponse{Products: products, Count: len(products), Loading: a.store.Loading()})
}

// ServeReplaceProducts loads a raw product array into the store, refreshes the
// cache and recomputes the derived list. Bodies over maxProductsBody are
// rejected with 413 and leave the store alone. Payloads that are not an array
// reset the catalog to empty and return 422; the cached catalog is only
// overwritten by an accepted payload.
func (a *API) ServeReplaceProducts(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxProductsBody+1))
	if err != nil {
		a.WriteError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	if len(raw) > maxProductsBody {
		a.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("products payload exceeds %d bytes", maxProductsBody))
		return
	}

	a.store.SetLoading(true)
	if err := a.store.SetProductsJSON(raw); err != nil {
		a.store.UpdateProductList(r.Context())
		a.logger.WarnContext(r.Context(), "catalog payload rejected", slog.Any("error", err))
		a.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	all := a.store.AllProducts()
	if a.cache != nil {
		a.cache.Set(r.Context(), CatalogCacheKey, all)
	}
	a.store.UpdateProductList(r.Context())
	a.logger.InfoContext(r.Context(), "catalog replaced", slog.Int("count", len(all)))
	a.writeJSON(w, http.StatusOK, map[string]int{"count": len(all)})
}

// RefineRequest carries the criteria for POST /products/refine. Nil fields
// leave the corresponding stage unchanged; an empty filters map clears them.
type RefineRequest struct {
	Filters map[string]string `json:"filters"`
	Search  *string           `json:"search"`
	Sort    *string           `json:"sort"`
	Order   *string           `json:"order"`
}

type refineResponse struct {
	Filters map[string]string `json:"filters"`
	Search  string            `json:"search"`
	Sort    string            `json:"sort"`
	Order   string            `json:"order"`
	Count   int               `json:"count"`
}

// ServeRefine reports the current criteria on GET. On POST it applies the
// request to the stages, then recomputes the derived list.
func (a *API) ServeRefine(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req RefineRequest
		decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			a.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid refine request: %v", err))
			return
		}
		if err := a.applyRefine(req); err != nil {
			a.WriteError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		a.store.UpdateProductList(r.Context())
	}
	key, order := a.sort.Criteria()
	a.writeJSON(w, http.StatusOK, refineResponse{
		Filters: a.filter.Expressions(),
		Search:  a.search.Query(),
		Sort:    key,
		Order:   order,
		Count:   len(a.store.Products()),
	})
}

func (a *API) applyRefine(req RefineRequest) error {
	if req.Filters != nil {
		if err := a.filter.Replace(req.Filters); err != nil {
			return err
		}
	}
	if req.Search != nil {
		a.search.SetQuery(*req.Search)
	}
	if req.Sort != nil || req.Order != nil {
		key, order := a.sort.Criteria()
		if req.Sort != nil {
			key = *req.Sort
		}
		if req.Order != nil {
			order = *req.Order
		}
		if err := a.sort.Set(key, order); err != nil {
			return err
		}
	}
	return nil
}

// ServeInteraction emits the named interaction on the bus and reports how
// many subscribers received it.
func (a *API) ServeInteraction(w http.ResponseWriter, r *http.Request, name string) {
	kind, ok := interaction.ParseKind(name)
	if !ok {
		a.WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown interaction %q", name))
		return
	}
	delivered := 0
	if a.interactions != nil {
		delivered = a.interactions.Emit(kind)
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"kind": kind, "delivered": delivered})
}

// ServeSession returns the bootstrap snapshot, or 503 when no session agent
// is running.
func (a *API) ServeSession(w http.ResponseWriter, r *http.Request) {
	if a.session == nil {
		a.WriteError(w, http.StatusServiceUnavailable, "session bootstrapper not configured")
		return
	}
	snapshot, ok := a.session()
	if !ok {
		a.WriteError(w, http.StatusServiceUnavailable, "session bootstrapper not running")
		return
	}
	a.writeJSON(w, http.StatusOK, snapshot)
}

// ServeHealth reports liveness with the canonical product count.
func (a *API) ServeHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"products": len(a.store.AllProducts()),
		"uptime":   time.Since(a.started).Round(time.Second).String(),
	})
}

// ServeMetrics delegates to the configured Prometheus handler.
func (a *API) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		http.NotFound(w, r)
		return
	}
	a.metrics.ServeHTTP(w, r)
}

// WriteError writes {"error": message} with status.
func (a *API) WriteError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Warn("response encode failed", slog.Any("error", err))
	}
}
