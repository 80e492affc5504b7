package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Prices travel as JSON numbers, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Role is the authorization level of a user account
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// DeliveryMethod is how a customer wants orders delivered
type DeliveryMethod string

const (
	DeliveryCourier DeliveryMethod = "COURIER"
	DeliveryPost    DeliveryMethod = "POST"
)

// Valid reports whether d is a known delivery method
func (d DeliveryMethod) Valid() bool {
	return d == DeliveryCourier || d == DeliveryPost
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// Valid reports whether s is one of the four order statuses.
// Any valid status may replace any other.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// User represents a user account
type User struct {
	ID             int64           `json:"id"`
	Email          string          `json:"email"`
	PasswordHash   string          `json:"-"`
	Role           Role            `json:"role"`
	Name           *string         `json:"name,omitempty"`
	Phone          *string         `json:"phone,omitempty"`
	IDNP           *string         `json:"idnp,omitempty"`
	Address        *string         `json:"address,omitempty"`
	DeliveryMethod *DeliveryMethod `json:"deliveryMethod,omitempty"`
	AvatarURL      *string         `json:"avatarUrl,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ProfileComplete reports whether name, phone and address are all filled in
func (u *User) ProfileComplete() bool {
	return filled(u.Name) && filled(u.Phone) && filled(u.Address)
}

func filled(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// Category groups products
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Product represents a tea in the catalog
type Product struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Price       decimal.Decimal `json:"price"`
	Description *string         `json:"description"`
	ImageURL    *string         `json:"imageUrl"`
	Stock       int             `json:"stock"`
	CategoryID  int64           `json:"categoryId"`
	Category    *Category       `json:"category,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Order represents a placed order
type Order struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"userId"`
	Status     OrderStatus     `json:"status"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	CreatedAt  time.Time       `json:"createdAt"`
	Items      []OrderItem     `json:"items"`
	User       *User           `json:"user,omitempty"`
}

// OrderItem is a line of an order. Price is the unit price charged at purchase time.
type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"orderId"`
	ProductID int64           `json:"productId"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Product   *Product        `json:"product,omitempty"`
}

// CheckoutLine is one requested (product, quantity) pair
type CheckoutLine struct {
	ProductID int64 `json:"productId" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

// CreateOrderRequest represents a request to create an order.
// Emptiness is checked by the checkout itself so it can report EmptyCart.
type CreateOrderRequest struct {
	Items []CheckoutLine `json:"items" validate:"dive"`
}

// UpdateOrderStatusRequest represents a request to change an order status
type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status" validate:"required,oneof=PROCESSING SHIPPED DELIVERED CANCELLED"`
}

// MinPasswordLength applies to every account, including the seeded admin
const MinPasswordLength = 6

// RegisterRequest is the body of POST /auth/register
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// LoginRequest is the body of POST /auth/login. Password rules are not
// checked here: a bad password is reported as invalid credentials.
type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ProfileUpdate carries the optional profile fields; nil means unchanged.
// ID is accepted for compatibility with clients that send it and must match the caller.
type ProfileUpdate struct {
	ID             *int64          `json:"id,omitempty"`
	Name           *string         `json:"name,omitempty" validate:"omitempty,max=100"`
	Phone          *string         `json:"phone,omitempty" validate:"omitempty,max=30"`
	IDNP           *string         `json:"idnp,omitempty" validate:"omitempty,max=20"`
	Address        *string         `json:"address,omitempty" validate:"omitempty,max=255"`
	DeliveryMethod *DeliveryMethod `json:"deliveryMethod,omitempty" validate:"omitempty,oneof=COURIER POST"`
	AvatarURL      *string         `json:"avatarUrl,omitempty" validate:"omitempty,max=512"`
}

// Empty reports whether the update changes nothing
func (p ProfileUpdate) Empty() bool {
	return p.Name == nil && p.Phone == nil && p.IDNP == nil && p.Address == nil &&
		p.DeliveryMethod == nil && p.AvatarURL == nil
}

// CreateProductRequest represents an admin request to add a product
type CreateProductRequest struct {
	Title       string          `json:"title" validate:"required,max=255"`
	Price       decimal.Decimal `json:"price"`
	Description *string         `json:"description,omitempty"`
	ImageURL    *string         `json:"imageUrl,omitempty" validate:"omitempty,max=512"`
	Stock       int             `json:"stock" validate:"gte=0"`
	CategoryID  int64           `json:"categoryId" validate:"required,gt=0"`
}

// UpdateProductRequest is a partial product update; nil fields are left unchanged
type UpdateProductRequest struct {
	Title       *string          `json:"title,omitempty" validate:"omitempty,min=1,max=255"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Description *string          `json:"description,omitempty"`
	ImageURL    *string          `json:"imageUrl,omitempty" validate:"omitempty,max=512"`
	Stock       *int             `json:"stock,omitempty" validate:"omitempty,gte=0"`
	CategoryID  *int64           `json:"categoryId,omitempty" validate:"omitempty,gt=0"`
}

// LoginResponse is returned by a successful login
type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	User    *User  `json:"user"`
}
