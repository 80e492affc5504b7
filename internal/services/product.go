package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/teahouse/storefront/internal/db"
	"github.com/teahouse/storefront/internal/metrics"
	"github.com/teahouse/storefront/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const productCacheTTL = 5 * time.Minute

const productSelect = `SELECT p.id, p.title, p.price, p.description, p.image_url, p.stock, p.category_id, p.created_at, c.name
	FROM products p
	JOIN categories c ON c.id = p.category_id`

// ProductCache holds recently read products
type ProductCache struct {
	mu    sync.RWMutex
	items map[int64]cachedProduct
	ttl   time.Duration
}

type cachedProduct struct {
	product models.Product
	expires time.Time
}

// NewProductCache creates an empty cache whose entries live for ttl
func NewProductCache(ttl time.Duration) *ProductCache {
	return &ProductCache{
		items: make(map[int64]cachedProduct),
		ttl:   ttl,
	}
}

func (c *ProductCache) get(id int64) (models.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.items[id]
	if !ok || !time.Now().Before(cached.expires) {
		return models.Product{}, false
	}
	return cached.product, true
}

func (c *ProductCache) put(p models.Product) {
	c.mu.Lock()
	c.items[p.ID] = cachedProduct{product: p, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the given products, or everything when called without ids
func (c *ProductCache) Invalidate(ids ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		c.items = make(map[int64]cachedProduct)
		return
	}
	for _, id := range ids {
		delete(c.items, id)
	}
}

// ProductService handles catalog operations
type ProductService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
	cache   *ProductCache
}

// NewProductService creates a new product service
func NewProductService(db *db.DB, metrics *metrics.AppMetrics, cache *ProductCache) *ProductService {
	if cache == nil {
		cache = NewProductCache(productCacheTTL)
	}
	return &ProductService{
		db:      db,
		metrics: metrics,
		cache:   cache,
	}
}

// ListProducts returns the catalog ordered by id, optionally restricted to one category
func (s *ProductService) ListProducts(ctx context.Context, categoryID *int64) ([]models.Product, error) {
	start := time.Now()
	query := productSelect
	var args []any
	if categoryID != nil {
		query += " WHERE p.category_id = ?"
		args = append(args, *categoryID)
	}
	query += " ORDER BY p.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// GetProduct returns a product by ID
func (s *ProductService) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	// Check cache first
	if p, ok := s.cache.get(id); ok {
		s.metrics.CacheHits.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{})...))
		s.recordView(ctx, &p)
		return &p, nil
	}
	s.metrics.CacheMisses.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{})...))

	start := time.Now()
	query := productSelect + " WHERE p.id = ?"
	p, err := scanProduct(s.db.QueryRowContext(ctx, query, id))
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil || err == sql.ErrNoRows)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	// Cache the result
	s.cache.put(*p)
	s.recordView(ctx, p)
	return p, nil
}

func (s *ProductService) recordView(ctx context.Context, p *models.Product) {
	category := "unknown"
	if p.Category != nil {
		category = p.Category.Name
	}
	s.metrics.ProductsViewed.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.Int64("product_id", p.ID),
		attribute.String("product_category", category),
	})...))
}

// CreateProduct adds a product to the catalog
func (s *ProductService) CreateProduct(ctx context.Context, req models.CreateProductRequest) (*models.Product, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative", ErrValidation)
	}
	if req.Stock < 0 {
		return nil, fmt.Errorf("%w: stock must not be negative", ErrValidation)
	}
	if err := s.requireCategory(ctx, req.CategoryID); err != nil {
		return nil, err
	}

	start := time.Now()
	query := "INSERT INTO products (title, price, description, image_url, stock, category_id) VALUES (?, ?, ?, ?, ?, ?)"
	result, err := s.db.ExecContext(ctx, query,
		strings.TrimSpace(req.Title), req.Price.StringFixed(2), req.Description, req.ImageURL, req.Stock, req.CategoryID)
	s.metrics.RecordDBQuery(ctx, "INSERT", "products", query, start, err == nil)
	if err != nil {
		if isMySQLError(err, mysqlNoReferencedRow) {
			return nil, fmt.Errorf("%w: category %d does not exist", ErrValidation, req.CategoryID)
		}
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get product ID: %w", err)
	}

	log.Printf("[CATALOG] Product created: product_id=%d, title=%q, stock=%d", id, req.Title, req.Stock)
	s.metrics.RecordInventory(ctx, id, req.Stock)
	return s.GetProduct(ctx, id)
}

// UpdateProduct applies the non-nil fields of req to product id
func (s *ProductService) UpdateProduct(ctx context.Context, id int64, req models.UpdateProductRequest) (*models.Product, error) {
	// Build the SET clause from the fields present
	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			return nil, fmt.Errorf("%w: title must not be empty", ErrValidation)
		}
		add("title", strings.TrimSpace(*req.Title))
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return nil, fmt.Errorf("%w: price must not be negative", ErrValidation)
		}
		add("price", req.Price.StringFixed(2))
	}
	if req.Description != nil {
		add("description", *req.Description)
	}
	if req.ImageURL != nil {
		add("image_url", *req.ImageURL)
	}
	if req.Stock != nil {
		if *req.Stock < 0 {
			return nil, fmt.Errorf("%w: stock must not be negative", ErrValidation)
		}
		add("stock", *req.Stock)
	}
	if req.CategoryID != nil {
		if err := s.requireCategory(ctx, *req.CategoryID); err != nil {
			return nil, err
		}
		add("category_id", *req.CategoryID)
	}

	if err := s.requireProduct(ctx, id); err != nil {
		return nil, err
	}

	if len(sets) > 0 {
		args = append(args, id)
		start := time.Now()
		query := "UPDATE products SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		_, err := s.db.ExecContext(ctx, query, args...)
		s.metrics.RecordDBQuery(ctx, "UPDATE", "products", query, start, err == nil)
		if err != nil {
			if isMySQLError(err, mysqlNoReferencedRow) {
				return nil, fmt.Errorf("%w: unknown category", ErrValidation)
			}
			return nil, fmt.Errorf("failed to update product: %w", err)
		}
		// Invalidate cache
		s.cache.Invalidate(id)
		log.Printf("[CATALOG] Product updated: product_id=%d", id)
	}

	p, err := s.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Stock != nil {
		s.metrics.RecordInventory(ctx, id, p.Stock)
	}
	return p, nil
}

// DeleteProduct removes product id. Past order items keep their captured price.
func (s *ProductService) DeleteProduct(ctx context.Context, id int64) error {
	start := time.Now()
	query := "DELETE FROM products WHERE id = ?"
	result, err := s.db.ExecContext(ctx, query, id)
	s.metrics.RecordDBQuery(ctx, "DELETE", "products", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: product %d", ErrNotFound, id)
	}

	s.cache.Invalidate(id)
	log.Printf("[CATALOG] Product deleted: product_id=%d", id)
	return nil
}

// ListCategories returns every category ordered by id
func (s *ProductService) ListCategories(ctx context.Context) ([]models.Category, error) {
	start := time.Now()
	query := "SELECT id, name FROM categories ORDER BY id"
	rows, err := s.db.QueryContext(ctx, query)
	s.metrics.RecordDBQuery(ctx, "SELECT", "categories", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	categories := []models.Category{}
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// UpsertCategory returns the id of the category called name, creating it if needed
func (s *ProductService) UpsertCategory(ctx context.Context, name string) (int64, error) {
	// LAST_INSERT_ID(id) makes an existing row report its own id
	start := time.Now()
	query := "INSERT INTO categories (name) VALUES (?) ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)"
	result, err := s.db.ExecContext(ctx, query, name)
	s.metrics.RecordDBQuery(ctx, "INSERT", "categories", query, start, err == nil)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert category %q: %w", name, err)
	}
	return result.LastInsertId()
}

// EnsureProduct creates req unless a product with the same title already exists.
// It reports whether a product was created.
func (s *ProductService) EnsureProduct(ctx context.Context, req models.CreateProductRequest) (bool, error) {
	start := time.Now()
	query := "SELECT EXISTS(SELECT 1 FROM products WHERE title = ?)"
	var exists bool
	err := s.db.QueryRowContext(ctx, query, req.Title).Scan(&exists)
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil)
	if err != nil {
		return false, fmt.Errorf("failed to check product %q: %w", req.Title, err)
	}
	if exists {
		return false, nil
	}
	if _, err := s.CreateProduct(ctx, req); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ProductService) requireCategory(ctx context.Context, id int64) error {
	start := time.Now()
	query := "SELECT EXISTS(SELECT 1 FROM categories WHERE id = ?)"
	var exists bool
	err := s.db.QueryRowContext(ctx, query, id).Scan(&exists)
	s.metrics.RecordDBQuery(ctx, "SELECT", "categories", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to check category: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: category %d does not exist", ErrValidation, id)
	}
	return nil
}

func (s *ProductService) requireProduct(ctx context.Context, id int64) error {
	start := time.Now()
	query := "SELECT EXISTS(SELECT 1 FROM products WHERE id = ?)"
	var exists bool
	err := s.db.QueryRowContext(ctx, query, id).Scan(&exists)
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to check product: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	return nil
}

func scanProduct(row rowScanner) (*models.Product, error) {
	var p models.Product
	var description, imageURL sql.NullString
	var categoryName string
	if err := row.Scan(&p.ID, &p.Title, &p.Price, &description, &imageURL, &p.Stock, &p.CategoryID, &p.CreatedAt, &categoryName); err != nil {
		return nil, err
	}
	p.Description = nullString(description)
	p.ImageURL = nullString(imageURL)
	p.Category = &models.Category{ID: p.CategoryID, Name: categoryName}
	return &p, nil
}
