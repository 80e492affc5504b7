package storefront

import (
	"context"
	"errors"
	"fmt"

	"github.com/teahouse/storefront/internal/models"
)

var ErrNotAdmin = errors.New("admin access required")

// AdminAPI is the part of the shop backend reserved for administrators
type AdminAPI interface {
	CreateProduct(ctx context.Context, token string, req models.CreateProductRequest) (*models.Product, error)
	DeleteProduct(ctx context.Context, token string, id int64) error
	AllOrders(ctx context.Context, token string) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, token string, id int64, status models.OrderStatus) (*models.Order, error)
}

// Admin performs catalog and order administration for an admin session.
// The server checks the role again on every call.
type Admin struct {
	api     AdminAPI
	session *Session
}

// NewAdmin returns ErrNotAuthenticated or ErrNotAdmin unless session belongs
// to an administrator, so admin features stay out of reach for everyone else.
func NewAdmin(api AdminAPI, session *Session) (*Admin, error) {
	if !session.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	if !session.IsAdmin() {
		return nil, ErrNotAdmin
	}
	return &Admin{api: api, session: session}, nil
}

func (a *Admin) CreateProduct(ctx context.Context, req models.CreateProductRequest) (*models.Product, error) {
	if req.Price.IsNegative() || req.Stock < 0 {
		return nil, fmt.Errorf("price and stock must not be negative")
	}
	return a.api.CreateProduct(ctx, a.session.Token(), req)
}

func (a *Admin) DeleteProduct(ctx context.Context, id int64) error {
	return a.api.DeleteProduct(ctx, a.session.Token(), id)
}

// Orders lists every customer's orders, newest first
func (a *Admin) Orders(ctx context.Context) ([]models.Order, error) {
	return a.api.AllOrders(ctx, a.session.Token())
}

// SetOrderStatus moves an order to status. Any of the four statuses may
// replace any other.
func (a *Admin) SetOrderStatus(ctx context.Context, id int64, status models.OrderStatus) (*models.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown order status %q", status)
	}
	return a.api.UpdateOrderStatus(ctx, a.session.Token(), id, status)
}
