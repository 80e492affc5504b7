package storefront

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/teahouse/storefront/internal/models"
)

const cartKey = "cart"

// CartItem is one product line of the cart
type CartItem struct {
	ProductID int64           `json:"productId"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  *string         `json:"imageUrl,omitempty"`
	Quantity  int             `json:"quantity"`
}

// Cart is the client-side shopping cart. Every mutation is written to the
// backing Storage before it returns.
type Cart struct {
	items []CartItem
	store Storage
}

// LoadCart rehydrates the cart saved in store, or returns an empty one
func LoadCart(ctx context.Context, store Storage) (*Cart, error) {
	c := &Cart{store: store}
	if _, err := loadJSON(ctx, store, cartKey, &c.items); err != nil {
		return nil, err
	}
	// Drop lines a corrupted or hand-edited file could contain
	kept := c.items[:0]
	for _, item := range c.items {
		if item.ProductID > 0 && item.Quantity > 0 {
			kept = append(kept, item)
		}
	}
	c.items = kept
	return c, nil
}

// Add puts one unit of p in the cart. A product already present gets its
// quantity incremented instead of a second line.
func (c *Cart) Add(ctx context.Context, p models.Product) error {
	for i := range c.items {
		if c.items[i].ProductID == p.ID {
			c.items[i].Quantity++
			return c.save(ctx)
		}
	}
	c.items = append(c.items, CartItem{
		ProductID: p.ID,
		Title:     p.Title,
		Price:     p.Price,
		ImageURL:  p.ImageURL,
		Quantity:  1,
	})
	return c.save(ctx)
}

// Remove drops the whole line for productID
func (c *Cart) Remove(ctx context.Context, productID int64) error {
	kept := c.items[:0]
	for _, item := range c.items {
		if item.ProductID != productID {
			kept = append(kept, item)
		}
	}
	c.items = kept
	return c.save(ctx)
}

// Clear empties the cart
func (c *Cart) Clear(ctx context.Context) error {
	c.items = nil
	return c.save(ctx)
}

func (c *Cart) save(ctx context.Context) error {
	items := c.items
	if items == nil {
		items = []CartItem{}
	}
	return saveJSON(ctx, c.store, cartKey, items)
}

// Items returns a copy of the cart lines in insertion order
func (c *Cart) Items() []CartItem {
	return append([]CartItem(nil), c.items...)
}

// IsEmpty reports whether the cart has no lines
func (c *Cart) IsEmpty() bool {
	return len(c.items) == 0
}

// TotalPrice is the sum of price times quantity over all lines
func (c *Cart) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// TotalItems is the sum of quantities over all lines
func (c *Cart) TotalItems() int {
	n := 0
	for _, item := range c.items {
		n += item.Quantity
	}
	return n
}

// Lines converts the cart into a checkout request body
func (c *Cart) Lines() []models.CheckoutLine {
	lines := make([]models.CheckoutLine, len(c.items))
	for i, item := range c.items {
		lines[i] = models.CheckoutLine{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return lines
}
