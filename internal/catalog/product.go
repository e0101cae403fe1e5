package catalog

import "time"

// Product is the storefront's plain-data view of a catalog item. It must stay
// free of cycles, funcs and channels: Clone and the JSON cache both assume a
// tree of values.
type Product struct {
	DatabaseID       int               `json:"databaseId"`
	ID               string            `json:"id"`
	Slug             string            `json:"slug"`
	Name             string            `json:"name"`
	SKU              string            `json:"sku,omitempty"`
	Type             string            `json:"type,omitempty"`
	Description      string            `json:"description,omitempty"`
	ShortDescription string            `json:"shortDescription,omitempty"`
	Price            float64           `json:"price"`
	RegularPrice     float64           `json:"regularPrice"`
	SalePrice        float64           `json:"salePrice,omitempty"`
	OnSale           bool              `json:"onSale"`
	StockStatus      string            `json:"stockStatus,omitempty"`
	AverageRating    float64           `json:"averageRating"`
	ReviewCount      int               `json:"reviewCount"`
	Date             time.Time         `json:"date"`
	Categories       []Term            `json:"categories,omitempty"`
	Attributes       []Attribute       `json:"attributes,omitempty"`
	Image            *Image            `json:"image,omitempty"`
	Gallery          []Image           `json:"gallery,omitempty"`
	Meta             map[string]string `json:"meta,omitempty"`
}

// Term is a category or tag reference.
type Term struct {
	ID   int    `json:"databaseId"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Attribute is a product attribute such as pa_color with its selectable options.
type Attribute struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

type Image struct {
	SourceURL string `json:"sourceUrl"`
	AltText   string `json:"altText,omitempty"`
}

// Discount is the percentage saved against the regular price, 0 when not on sale.
func (p Product) Discount() float64 {
	if !p.OnSale || p.RegularPrice <= 0 || p.Price >= p.RegularPrice {
		return 0
	}
	return (p.RegularPrice - p.Price) / p.RegularPrice * 100
}

// Clone returns a deep copy that shares no slices, maps or pointers with p.
func (p Product) Clone() Product {
	out := p
	if p.Categories != nil {
		out.Categories = append([]Term(nil), p.Categories...)
	}
	if p.Attributes != nil {
		out.Attributes = make([]Attribute, len(p.Attributes))
		for i, attr := range p.Attributes {
			out.Attributes[i] = Attribute{Name: attr.Name}
			if attr.Options != nil {
				out.Attributes[i].Options = append([]string(nil), attr.Options...)
			}
		}
	}
	if p.Image != nil {
		img := *p.Image
		out.Image = &img
	}
	if p.Gallery != nil {
		out.Gallery = append([]Image(nil), p.Gallery...)
	}
	if p.Meta != nil {
		out.Meta = make(map[string]string, len(p.Meta))
		for k, v := range p.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// CloneAll deep-copies every product. A nil input yields nil.
func CloneAll(in []Product) []Product {
	if in == nil {
		return nil
	}
	out := make([]Product, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
