package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/teahouse/storefront/internal/db"
	"github.com/teahouse/storefront/internal/metrics"
	"github.com/teahouse/storefront/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OrderService handles checkout and order administration
type OrderService struct {
	db       *db.DB
	metrics  *metrics.AppMetrics
	products *ProductCache
}

// NewOrderService creates a new order service. products is the cache shared
// with the ProductService; entries whose stock a checkout changes are dropped
// from it. It may be nil.
func NewOrderService(db *db.DB, metrics *metrics.AppMetrics, products *ProductCache) *OrderService {
	return &OrderService{
		db:       db,
		metrics:  metrics,
		products: products,
	}
}

type lockedProduct struct {
	id       int64
	title    string
	price    decimal.Decimal
	stock    int
	imageURL sql.NullString
}

// Checkout places an order for userID. Stock of every line is checked and
// decremented and the order with its items is written in one transaction;
// on any error nothing is persisted.
func (s *OrderService) Checkout(ctx context.Context, userID int64, lines []models.CheckoutLine) (*models.Order, error) {
	order, err := s.checkout(ctx, userID, lines)
	if err != nil {
		s.metrics.RecordCheckoutFailure(ctx, checkoutFailureReason(err))
		log.Printf("[ORDER] Checkout rejected: user_id=%d, error=%v", userID, err)
		return nil, err
	}
	return order, nil
}

func (s *OrderService) checkout(ctx context.Context, userID int64, lines []models.CheckoutLine) (*models.Order, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}
	// Merged and sorted by id, so row locks below are always taken in the
	// same order and overlapping carts cannot deadlock each other
	lines, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		UserID: userID,
		Status: models.OrderStatusProcessing,
		Items:  make([]models.OrderItem, 0, len(lines)),
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		products, err := s.lockProducts(ctx, tx, lines)
		if err != nil {
			return err
		}

		// Validate every line before touching stock
		total := decimal.Zero
		for _, line := range lines {
			p, ok := products[line.ProductID]
			if !ok {
				return fmt.Errorf("%w: product %d", ErrProductNotFound, line.ProductID)
			}
			if line.Quantity > p.stock {
				return fmt.Errorf("%w: %q has %d left, %d requested", ErrInsufficientStock, p.title, p.stock, line.Quantity)
			}
			total = total.Add(p.price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}

		// Conditional decrement: stock never goes negative, and zero affected
		// rows means another order took the units first
		start := time.Now()
		stockQuery := "UPDATE products SET stock = stock - ? WHERE id = ? AND stock >= ?"
		for _, line := range lines {
			result, err := tx.ExecContext(ctx, stockQuery, line.Quantity, line.ProductID, line.Quantity)
			s.metrics.RecordDBQuery(ctx, "UPDATE", "products", stockQuery, start, err == nil)
			if err != nil {
				return fmt.Errorf("failed to reserve stock: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to reserve stock: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("%w: product %d", ErrInsufficientStock, line.ProductID)
			}
		}

		start = time.Now()
		orderQuery := "INSERT INTO orders (user_id, status, total_price) VALUES (?, ?, ?)"
		result, err := tx.ExecContext(ctx, orderQuery, userID, string(order.Status), total.StringFixed(2))
		s.metrics.RecordDBQuery(ctx, "INSERT", "orders", orderQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		order.ID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get order ID: %w", err)
		}
		order.TotalPrice = total

		// Use the row's own timestamp so this response matches later reads
		start = time.Now()
		createdQuery := "SELECT created_at FROM orders WHERE id = ?"
		err = tx.QueryRowContext(ctx, createdQuery, order.ID).Scan(&order.CreatedAt)
		s.metrics.RecordDBQuery(ctx, "SELECT", "orders", createdQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to read order timestamp: %w", err)
		}

		// Each item keeps the unit price charged now, independent of later price edits
		start = time.Now()
		itemQuery := "INSERT INTO order_items (order_id, product_id, quantity, price) VALUES (?, ?, ?, ?)"
		for _, line := range lines {
			p := products[line.ProductID]
			result, err := tx.ExecContext(ctx, itemQuery, order.ID, line.ProductID, line.Quantity, p.price.StringFixed(2))
			s.metrics.RecordDBQuery(ctx, "INSERT", "order_items", itemQuery, start, err == nil)
			if err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
			itemID, err := result.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get order item ID: %w", err)
			}
			p.stock -= line.Quantity
			order.Items = append(order.Items, models.OrderItem{
				ID:        itemID,
				OrderID:   order.ID,
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				Price:     p.price,
				Product: &models.Product{
					ID:       p.id,
					Title:    p.title,
					Price:    p.price,
					ImageURL: nullString(p.imageURL),
					Stock:    p.stock,
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cached product reads would otherwise report the stock from before the order
	ids := make([]int64, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductID)
		s.metrics.RecordInventory(ctx, item.ProductID, item.Product.Stock)
	}
	if s.products != nil {
		s.products.Invalidate(ids...)
	}
	attrs := metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("order_status", string(order.Status)),
	})...)
	s.metrics.OrdersCreated.Add(ctx, 1, attrs)
	s.metrics.RevenueTotal.Add(ctx, order.TotalPrice.InexactFloat64(), attrs)

	log.Printf("[ORDER] Order created: order_id=%d, user_id=%d, total=%s, items=%d",
		order.ID, userID, order.TotalPrice.StringFixed(2), len(order.Items))
	return order, nil
}

// lockProducts reads the requested products with row locks held until the
// transaction ends. Rows are locked in id order.
func (s *OrderService) lockProducts(ctx context.Context, tx *sql.Tx, lines []models.CheckoutLine) (map[int64]*lockedProduct, error) {
	ids := make([]any, len(lines))
	placeholders := make([]string, len(lines))
	for i, line := range lines {
		ids[i] = line.ProductID
		placeholders[i] = "?"
	}

	start := time.Now()
	query := fmt.Sprintf("SELECT id, title, price, stock, image_url FROM products WHERE id IN (%s) ORDER BY id FOR UPDATE",
		strings.Join(placeholders, ","))
	rows, err := tx.QueryContext(ctx, query, ids...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]*lockedProduct, len(lines))
	for rows.Next() {
		var p lockedProduct
		if err := rows.Scan(&p.id, &p.title, &p.price, &p.stock, &p.imageURL); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products[p.id] = &p
	}
	return products, rows.Err()
}

// mergeLines sums quantities of repeated products and sorts lines by product id
func mergeLines(lines []models.CheckoutLine) ([]models.CheckoutLine, error) {
	qty := make(map[int64]int, len(lines))
	for _, line := range lines {
		if line.ProductID <= 0 {
			return nil, fmt.Errorf("%w: invalid product id %d", ErrValidation, line.ProductID)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for product %d must be at least 1", ErrValidation, line.ProductID)
		}
		qty[line.ProductID] += line.Quantity
	}

	merged := make([]models.CheckoutLine, 0, len(qty))
	for id, q := range qty {
		merged = append(merged, models.CheckoutLine{ProductID: id, Quantity: q})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}

func checkoutFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	default:
		return "error"
	}
}

const orderColumns = "o.id, o.user_id, o.status, o.total_price, o.created_at"

// GetOrder returns an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	start := time.Now()
	query := "SELECT " + orderColumns + " FROM orders o WHERE o.id = ?"
	var order models.Order
	var status string
	err := s.db.QueryRowContext(ctx, query, orderID).Scan(&order.ID, &order.UserID, &status, &order.TotalPrice, &order.CreatedAt)
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", query, start, err == nil || err == sql.ErrNoRows)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	order.Status = models.OrderStatus(status)

	orders := []models.Order{order}
	if err := s.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListUserOrders returns the orders of userID, newest first
func (s *OrderService) ListUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	start := time.Now()
	query := "SELECT " + orderColumns + " FROM orders o WHERE o.user_id = ? ORDER BY o.created_at DESC, o.id DESC"
	rows, err := s.db.QueryContext(ctx, query, userID)
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		var status string
		if err := rows.Scan(&order.ID, &order.UserID, &status, &order.TotalPrice, &order.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		order.Status = models.OrderStatus(status)
		orders = append(orders, order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListAllOrders returns every order with its owner, newest first
func (s *OrderService) ListAllOrders(ctx context.Context) ([]models.Order, error) {
	start := time.Now()
	query := "SELECT " + orderColumns + `, u.email, u.name, u.phone, u.address
		FROM orders o
		JOIN users u ON u.id = o.user_id
		ORDER BY o.created_at DESC, o.id DESC`
	rows, err := s.db.QueryContext(ctx, query)
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		var status string
		var user models.User
		var name, phone, address sql.NullString
		if err := rows.Scan(&order.ID, &order.UserID, &status, &order.TotalPrice, &order.CreatedAt,
			&user.Email, &name, &phone, &address); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		order.Status = models.OrderStatus(status)
		user.ID = order.UserID
		user.Name = nullString(name)
		user.Phone = nullString(phone)
		user.Address = nullString(address)
		order.User = &user
		orders = append(orders, order)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// loadItems fills Items of every order with one query. Items of deleted
// products keep their captured price and have no Product.
func (s *OrderService) loadItems(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	index := make(map[int64]int, len(orders))
	ids := make([]any, len(orders))
	placeholders := make([]string, len(orders))
	for i := range orders {
		orders[i].Items = []models.OrderItem{}
		index[orders[i].ID] = i
		ids[i] = orders[i].ID
		placeholders[i] = "?"
	}

	start := time.Now()
	query := fmt.Sprintf(`SELECT oi.id, oi.order_id, oi.product_id, oi.quantity, oi.price, p.title, p.price, p.image_url
		FROM order_items oi
		LEFT JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id IN (%s)
		ORDER BY oi.order_id, oi.id`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, ids...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "order_items", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		var title, imageURL sql.NullString
		var currentPrice decimal.NullDecimal
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.Price,
			&title, &currentPrice, &imageURL); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		if title.Valid {
			item.Product = &models.Product{
				ID:       item.ProductID,
				Title:    title.String,
				Price:    currentPrice.Decimal,
				ImageURL: nullString(imageURL),
			}
		}
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return rows.Err()
}

// UpdateOrderStatus sets the status of an order. Any status may follow any other.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %q", ErrValidation, status)
	}

	// MySQL reports zero affected rows when the status is unchanged, so the
	// order is looked up first.
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	previous := order.Status

	start := time.Now()
	query := "UPDATE orders SET status = ? WHERE id = ?"
	_, err = s.db.ExecContext(ctx, query, string(status), orderID)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "orders", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	order.Status = status

	s.metrics.OrderStatusChanges.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("from", string(previous)),
		attribute.String("to", string(status)),
	})...))
	log.Printf("[ORDER] Status changed: order_id=%d, %s -> %s", orderID, previous, status)

	return order, nil
}
