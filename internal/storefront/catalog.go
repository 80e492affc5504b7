package storefront

import (
	"context"
	"sort"

	"github.com/teahouse/storefront/internal/models"
)

// Catalog is a fetched snapshot of products and categories
type Catalog struct {
	Products   []models.Product
	Categories []models.Category
}

// FetchCatalog loads every product and category once
func FetchCatalog(ctx context.Context, api API) (*Catalog, error) {
	products, err := api.ListProducts(ctx, nil)
	if err != nil {
		return nil, err
	}
	categories, err := api.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	sort.SliceStable(categories, func(i, j int) bool { return categories[i].ID < categories[j].ID })
	return &Catalog{Products: products, Categories: categories}, nil
}

// FilterByCategory returns the products of one category, or all of them for
// a nil id, without going back to the server.
func (c *Catalog) FilterByCategory(categoryID *int64) []models.Product {
	if categoryID == nil {
		return append([]models.Product(nil), c.Products...)
	}
	var out []models.Product
	for _, p := range c.Products {
		if p.CategoryID == *categoryID {
			out = append(out, p)
		}
	}
	return out
}

// Product looks up a product by id
func (c *Catalog) Product(id int64) (models.Product, bool) {
	for _, p := range c.Products {
		if p.ID == id {
			return p, true
		}
	}
	return models.Product{}, false
}

// CategoryName returns the name of category id, or "" if unknown
func (c *Catalog) CategoryName(id int64) string {
	for _, cat := range c.Categories {
		if cat.ID == id {
			return cat.Name
		}
	}
	return ""
}
