package refine

import (
	"strings"
	"sync"

	"github.com/l0p7/storefront/internal/catalog"
)

// Search keeps products whose name, SKU or descriptions contain the query,
// ignoring case.
type Search struct {
	mu    sync.RWMutex
	query string
}

// NewSearch returns an inactive search stage.
func NewSearch() *Search { return &Search{} }

func (s *Search) Name() string { return "search" }

// Active reports whether a non-blank query is set.
func (s *Search) Active() bool {
	return s.Query() != ""
}

// SetQuery stores the trimmed query; blank disables the stage.
func (s *Search) SetQuery(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = strings.TrimSpace(query)
}

// Query returns the current trimmed query.
func (s *Search) Query() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query
}

// Apply keeps products whose name, SKU, short description or description
// contains the query, ignoring case.
func (s *Search) Apply(products []catalog.Product) ([]catalog.Product, error) {
	needle := strings.ToLower(s.Query())
	if needle == "" {
		return products, nil
	}
	out := make([]catalog.Product, 0, len(products))
	for _, p := range products {
		for _, field := range []string{p.Name, p.SKU, p.ShortDescription, p.Description} {
			if strings.Contains(strings.ToLower(field), needle) {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}
