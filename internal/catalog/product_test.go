package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneSharesNothing(t *testing.T) {
	orig := Product{
		ID:         "p1",
		Categories: []Term{{Slug: "tops"}},
		Attributes: []Attribute{{Name: "pa_color", Options: []string{"red"}}},
		Image:      &Image{SourceURL: "a.jpg"},
		Gallery:    []Image{{SourceURL: "b.jpg"}},
		Meta:       map[string]string{"brand": "acme"},
	}
	clone := orig.Clone()
	require.Equal(t, orig, clone)

	clone.Categories[0].Slug = "bottoms"
	clone.Attributes[0].Options[0] = "blue"
	clone.Image.SourceURL = "c.jpg"
	clone.Gallery[0].SourceURL = "d.jpg"
	clone.Meta["brand"] = "other"

	require.Equal(t, "tops", orig.Categories[0].Slug)
	require.Equal(t, "red", orig.Attributes[0].Options[0])
	require.Equal(t, "a.jpg", orig.Image.SourceURL)
	require.Equal(t, "b.jpg", orig.Gallery[0].SourceURL)
	require.Equal(t, "acme", orig.Meta["brand"])
}

func TestCloneAllNil(t *testing.T) {
	require.Nil(t, CloneAll(nil))
	require.Equal(t, []Product{}, CloneAll([]Product{}))
}

func TestDiscount(t *testing.T) {
	require.Zero(t, Product{Price: 10, RegularPrice: 20}.Discount())
	require.InDelta(t, 50, Product{OnSale: true, Price: 10, RegularPrice: 20}.Discount(), 0.001)
	require.Zero(t, Product{OnSale: true, Price: 10}.Discount())
}
