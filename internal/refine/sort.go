package refine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/l0p7/storefront/internal/catalog"
)

// Sort keys accepted by Sort.Set.
const (
	SortByPrice    = "price"
	SortByName     = "name"
	SortByRating   = "rating"
	SortByDate     = "date"
	SortByDiscount = "discount"
)

var sortLess = map[string]func(a, b catalog.Product) bool{
	SortByPrice:    func(a, b catalog.Product) bool { return a.Price < b.Price },
	SortByName:     func(a, b catalog.Product) bool { return strings.ToLower(a.Name) < strings.ToLower(b.Name) },
	SortByRating:   func(a, b catalog.Product) bool { return a.AverageRating < b.AverageRating },
	SortByDate:     func(a, b catalog.Product) bool { return a.Date.Before(b.Date) },
	SortByDiscount: func(a, b catalog.Product) bool { return a.Discount() < b.Discount() },
}

// Sort orders products by one key. Ties keep their incoming order.
type Sort struct {
	mu         sync.RWMutex
	key        string
	descending bool
}

// NewSort returns an inactive sort stage.
func NewSort() *Sort { return &Sort{} }

func (s *Sort) Name() string { return "sort" }

// Active reports whether a sort key is set.
func (s *Sort) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != ""
}

// Set picks the ordering. An empty key disables sorting; order is "asc" or "desc".
func (s *Sort) Set(key, order string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key != "" {
		if _, ok := sortLess[key]; !ok {
			return fmt.Errorf("refine: unsupported sort key %q", key)
		}
	}
	var descending bool
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "asc":
	case "desc":
		descending = true
	default:
		return fmt.Errorf("refine: unsupported sort order %q", order)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.descending = descending
	return nil
}

// Criteria reports the current key and order.
func (s *Sort) Criteria() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.descending {
		return s.key, "desc"
	}
	return s.key, "asc"
}

// Apply returns a stably sorted copy.
func (s *Sort) Apply(products []catalog.Product) ([]catalog.Product, error) {
	s.mu.RLock()
	key, descending := s.key, s.descending
	s.mu.RUnlock()

	less, ok := sortLess[key]
	if !ok {
		return products, nil
	}
	out := append([]catalog.Product(nil), products...)
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return out, nil
}
