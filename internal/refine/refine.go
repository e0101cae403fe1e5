// Package refine provides the concrete filter, search and sort stages that
// feed catalog.Store. Each stage carries its own criteria and reports itself
// active only when that criteria would change the list.
package refine

import (
	"github.com/l0p7/storefront/internal/catalog"
)

// Activation exposes a product to CEL predicates as the `product` variable.
func Activation(p catalog.Product) map[string]any {
	categories := make([]string, 0, len(p.Categories))
	for _, term := range p.Categories {
		categories = append(categories, term.Slug)
	}
	attributes := make(map[string][]string, len(p.Attributes))
	for _, attr := range p.Attributes {
		attributes[attr.Name] = append([]string(nil), attr.Options...)
	}
	meta := make(map[string]string, len(p.Meta))
	for k, v := range p.Meta {
		meta[k] = v
	}
	return map[string]any{
		"product": map[string]any{
			"databaseId":    p.DatabaseID,
			"id":            p.ID,
			"slug":          p.Slug,
			"name":          p.Name,
			"sku":           p.SKU,
			"type":          p.Type,
			"price":         p.Price,
			"regularPrice":  p.RegularPrice,
			"salePrice":     p.SalePrice,
			"onSale":        p.OnSale,
			"stockStatus":   p.StockStatus,
			"averageRating": p.AverageRating,
			"reviewCount":   p.ReviewCount,
			"discount":      p.Discount(),
			"date":          p.Date,
			"categories":    categories,
			"attributes":    attributes,
			"meta":          meta,
		},
	}
}
