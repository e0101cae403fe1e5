package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/storefront/internal/logging"
	"github.com/l0p7/storefront/internal/metrics"
)

// Stage is one step of the refine pipeline. Apply must not modify the
// products it receives in place beyond reordering its own slice.
type Stage interface {
	Name() string
	Active() bool
	Apply([]Product) ([]Product, error)
}

// Viewport receives the scroll reset issued before every recomputation.
type Viewport interface {
	ScrollToTop()
}

// ViewportFunc adapts a func to Viewport.
type ViewportFunc func()

// ScrollToTop calls f.
func (f ViewportFunc) ScrollToTop() {
	if f != nil {
		f()
	}
}

// Options wires the store's collaborators. Nil stages are treated as inactive.
type Options struct {
	Filter   Stage
	Search   Stage
	Sort     Stage
	Viewport Viewport
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Store holds the canonical product list last pushed by a loader and the
// derived list currently displayed.
type Store struct {
	stages   []Stage
	viewport Viewport
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu         sync.RWMutex
	all        []Product
	products   []Product
	loading    bool
	generation uint64
}

// NewStore returns an empty store. Nil stages are treated as inactive and a
// nil viewport skips the scroll hook.
func NewStore(opts Options) *Store {
	return &Store{
		// Order is fixed: filter, then search, then sort.
		stages:   []Stage{opts.Filter, opts.Search, opts.Sort},
		viewport: opts.Viewport,
		logger:   logging.OrDiscard(opts.Logger).With(slog.String("agent", "product_store")),
		metrics:  opts.Metrics,
		all:      []Product{},
		products: []Product{},
	}
}

// SetProducts replaces the canonical list with a deep copy of list and the
// derived list with a shallow copy. A nil list resets both to empty. The
// loading flag is cleared either way.
func (s *Store) SetProducts(list []Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.loading = false
	if list == nil {
		s.logger.Warn("products is not a list, resetting")
		s.all = []Product{}
		s.products = []Product{}
		return
	}
	s.all = CloneAll(list)
	s.products = append(make([]Product, 0, len(list)), list...)
	s.logger.Debug("products set", slog.Int("count", len(list)))
}

// ErrNotArray reports a products payload that is not a JSON array.
var ErrNotArray = errors.New("catalog: products payload is not a JSON array")

// SetProductsJSON is the loader entry point for raw payloads. Anything other
// than a JSON array of products takes the same reset path as SetProducts(nil)
// and is reported, so callers can avoid persisting the reset state.
func (s *Store) SetProductsJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		s.SetProducts(nil)
		return ErrNotArray
	}
	var list []Product
	if err := json.Unmarshal(trimmed, &list); err != nil {
		s.logger.Warn("products payload rejected", slog.Any("error", err))
		s.SetProducts(nil)
		return fmt.Errorf("catalog: decode products: %w", err)
	}
	if list == nil {
		list = []Product{}
	}
	s.SetProducts(list)
	return nil
}

// SetLoading toggles the observational loading flag.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
}

// Loading reports the observational loading flag.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Products returns a deep copy of the derived list.
func (s *Store) Products() []Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneAll(s.products)
}

// AllProducts returns a deep copy of the canonical list.
func (s *Store) AllProducts() []Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneAll(s.all)
}

// UpdateProductList recomputes the derived list from the canonical list. The
// viewport is always scrolled to the top first. When a stage fails the derived
// list keeps its previous value.
func (s *Store) UpdateProductList(ctx context.Context) {
	if s.viewport != nil {
		s.viewport.ScrollToTop()
	}
	start := time.Now()

	active := make([]Stage, 0, len(s.stages))
	for _, stage := range s.stages {
		if stage != nil && stage.Active() {
			active = append(active, stage)
		}
	}

	s.mu.Lock()
	if len(active) == 0 {
		s.products = s.all
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "no refine stage active, showing all products")
		s.metrics.ObserveCatalogUpdate(metrics.CatalogPassthrough, time.Since(start))
		return
	}
	generation := s.generation
	working := append(make([]Product, 0, len(s.all)), s.all...)
	s.mu.Unlock()

	refined, err := applyStages(active, working)
	if err != nil {
		s.logger.ErrorContext(ctx, "error applying filters", slog.Any("error", err))
		s.metrics.ObserveCatalogUpdate(metrics.CatalogError, time.Since(start))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		// A newer SetProducts landed while the stages ran; its list wins.
		s.logger.DebugContext(ctx, "discarding refine result for superseded products")
		return
	}
	if refined == nil {
		refined = []Product{}
	}
	s.products = refined
	s.logger.DebugContext(ctx, "filters applied", slog.Int("count", len(refined)))
	s.metrics.ObserveCatalogUpdate(metrics.CatalogRefined, time.Since(start))
}

func applyStages(stages []Stage, products []Product) (out []Product, err error) {
	current := ""
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("catalog: stage %s panicked: %v", current, r)
			out = nil
		}
	}()
	out = products
	for _, stage := range stages {
		current = stage.Name()
		out, err = stage.Apply(out)
		if err != nil {
			return nil, fmt.Errorf("catalog: stage %s: %w", current, err)
		}
	}
	return out, nil
}
