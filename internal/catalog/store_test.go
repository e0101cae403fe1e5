package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubStage struct {
	name   string
	active bool
	apply  func([]Product) ([]Product, error)
	calls  int
}

func (s *stubStage) Name() string { return s.name }
func (s *stubStage) Active() bool { return s.active }
func (s *stubStage) Apply(in []Product) ([]Product, error) {
	s.calls++
	return s.apply(in)
}

func dropID(id string) func([]Product) ([]Product, error) {
	return func(in []Product) ([]Product, error) {
		out := in[:0:0]
		for _, p := range in {
			if p.ID != id {
				out = append(out, p)
			}
		}
		return out, nil
	}
}

var (
	p1 = Product{ID: "p1", Name: "Alpha", Price: 20, Categories: []Term{{Slug: "tops"}}}
	p2 = Product{ID: "p2", Name: "Beta", Price: 10}
)

func TestSetProductsNilResets(t *testing.T) {
	store := NewStore(Options{})
	store.SetProducts([]Product{p1, p2})
	store.SetLoading(true)

	store.SetProducts(nil)

	require.Empty(t, store.AllProducts())
	require.Empty(t, store.Products())
	require.False(t, store.Loading())
}

func TestSetProductsJSONRejectsNonArrays(t *testing.T) {
	for name, payload := range map[string]string{
		"object": `{"nodes":[]}`,
		"oops":   `{"oops":true}`,
		"null":   `null`,
		"string": `"products"`,
		"broken": `[{"id":`,
		"empty":  ``,
	} {
		t.Run(name, func(t *testing.T) {
			store := NewStore(Options{})
			store.SetProducts([]Product{p1})
			store.SetLoading(true)

			err := store.SetProductsJSON([]byte(payload))

			require.Error(t, err)
			require.Empty(t, store.AllProducts())
			require.Empty(t, store.Products())
			require.False(t, store.Loading())
		})
	}
}

func TestSetProductsJSONAcceptsArray(t *testing.T) {
	store := NewStore(Options{})
	require.NoError(t, store.SetProductsJSON([]byte(` [{"id":"p1","name":"Alpha","price":20},{"id":"p2","name":"Beta","price":10}]`)))
	products := store.Products()
	require.Len(t, products, 2)
	require.Equal(t, "p1", products[0].ID)
	require.Equal(t, 10.0, products[1].Price)
}

func TestSetProductsDeepCopiesCallerSlice(t *testing.T) {
	store := NewStore(Options{})
	input := []Product{p1.Clone(), p2.Clone()}
	store.SetProducts(input)

	input[0].Name = "mutated"
	input[0].Categories[0].Slug = "mutated"

	all := store.AllProducts()
	require.Equal(t, "Alpha", all[0].Name)
	require.Equal(t, "tops", all[0].Categories[0].Slug)
}

func TestUpdateProductListPassthrough(t *testing.T) {
	var scrolls int32
	filter := &stubStage{name: "filter", apply: dropID("p1")}
	store := NewStore(Options{
		Filter:   filter,
		Search:   &stubStage{name: "search"},
		Sort:     &stubStage{name: "sort"},
		Viewport: ViewportFunc(func() { atomic.AddInt32(&scrolls, 1) }),
	})
	store.SetProducts([]Product{p1, p2})

	store.UpdateProductList(context.Background())

	require.Equal(t, []Product{p1, p2}, store.Products())
	require.Zero(t, filter.calls)
	require.EqualValues(t, 1, atomic.LoadInt32(&scrolls))
}

func TestUpdateProductListFilterKeepsCanonical(t *testing.T) {
	store := NewStore(Options{Filter: &stubStage{name: "filter", active: true, apply: dropID("p1")}})
	store.SetProducts([]Product{p1, p2})

	store.UpdateProductList(context.Background())

	require.Equal(t, []Product{p2}, store.Products())
	require.Equal(t, []Product{p1, p2}, store.AllProducts())
}

func TestUpdateProductListStageOrder(t *testing.T) {
	var order []string
	record := func(name string) *stubStage {
		return &stubStage{name: name, active: true, apply: func(in []Product) ([]Product, error) {
			order = append(order, name)
			return in, nil
		}}
	}
	store := NewStore(Options{Sort: record("sort"), Filter: record("filter"), Search: record("search")})
	store.SetProducts([]Product{p1})

	store.UpdateProductList(context.Background())

	require.Equal(t, []string{"filter", "search", "sort"}, order)
}

func TestUpdateProductListSkipsInactiveStages(t *testing.T) {
	search := &stubStage{name: "search", apply: dropID("p2")}
	sortStage := &stubStage{name: "sort", active: true, apply: func(in []Product) ([]Product, error) {
		return []Product{in[1], in[0]}, nil
	}}
	store := NewStore(Options{Search: search, Sort: sortStage})
	store.SetProducts([]Product{p1, p2})

	store.UpdateProductList(context.Background())

	require.Zero(t, search.calls)
	require.Equal(t, []Product{p2, p1}, store.Products())
	require.Equal(t, []Product{p1, p2}, store.AllProducts())
}

func TestUpdateProductListFailureKeepsLastDerived(t *testing.T) {
	filter := &stubStage{name: "filter", active: true, apply: dropID("p1")}
	store := NewStore(Options{Filter: filter})
	store.SetProducts([]Product{p1, p2})
	store.UpdateProductList(context.Background())
	require.Equal(t, []Product{p2}, store.Products())

	filter.apply = func([]Product) ([]Product, error) { return nil, errors.New("bad predicate") }
	store.UpdateProductList(context.Background())
	require.Equal(t, []Product{p2}, store.Products())

	filter.apply = func([]Product) ([]Product, error) { panic("boom") }
	store.UpdateProductList(context.Background())
	require.Equal(t, []Product{p2}, store.Products())
}

func TestUpdateProductListScrollsEvenWhenStageFails(t *testing.T) {
	scrolled := false
	store := NewStore(Options{
		Filter:   &stubStage{name: "filter", active: true, apply: func([]Product) ([]Product, error) { return nil, errors.New("x") }},
		Viewport: ViewportFunc(func() { scrolled = true }),
	})
	store.UpdateProductList(context.Background())
	require.True(t, scrolled)
}

func TestSetLoading(t *testing.T) {
	store := NewStore(Options{})
	require.False(t, store.Loading())
	store.SetLoading(true)
	require.True(t, store.Loading())
	store.SetProducts([]Product{})
	require.False(t, store.Loading())
}

func TestSetProductsJSONErrorKinds(t *testing.T) {
	store := NewStore(Options{})
	require.ErrorIs(t, store.SetProductsJSON([]byte(`{"oops":true}`)), ErrNotArray)

	err := store.SetProductsJSON([]byte(`[{"id":`))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotArray)
}
