package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/teahouse/storefront/internal/db"
	"github.com/teahouse/storefront/internal/metrics"
	"github.com/teahouse/storefront/internal/middleware"
	"github.com/teahouse/storefront/internal/models"
	"github.com/teahouse/storefront/internal/services"
	"github.com/teahouse/storefront/pkg/config"
)

// App holds application dependencies
type App struct {
	config         *config.Config
	db             *db.DB
	metrics        *metrics.AppMetrics
	tokens         middleware.TokenVerifier
	productService *services.ProductService
	orderService   *services.OrderService
	userService    *services.UserService
	validate       *validator.Validate
	authLimiter    *middleware.RateLimiter
}

// NewApp creates a new application instance
func NewApp(
	cfg *config.Config,
	database *db.DB,
	m *metrics.AppMetrics,
	tokens middleware.TokenVerifier,
	ps *services.ProductService,
	os *services.OrderService,
	us *services.UserService,
) *App {
	return &App{
		config:         cfg,
		db:             database,
		metrics:        m,
		tokens:         tokens,
		productService: ps,
		orderService:   os,
		userService:    us,
		validate:       newValidator(),
		authLimiter:    middleware.NewRateLimiter(cfg.LoginRatePerMinute, m),
	}
}

// SetupRoutes configures the HTTP routes
func (a *App) SetupRoutes(r *mux.Router) {
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RecoveryMiddleware)
	r.Use(middleware.MetricsMiddleware(a.metrics))

	// Auth
	r.Handle("/auth/register", a.authLimiter.Limit(http.HandlerFunc(a.RegisterHandler))).Methods(http.MethodPost)
	r.Handle("/auth/login", a.authLimiter.Limit(http.HandlerFunc(a.LoginHandler))).Methods(http.MethodPost)
	r.Handle("/auth/logout", a.authenticated(a.LogoutHandler)).Methods(http.MethodPost)
	r.Handle("/auth/me", a.authenticated(a.MeHandler)).Methods(http.MethodGet)
	r.Handle("/auth/profile", a.authenticated(a.UpdateProfileHandler)).Methods(http.MethodPut, http.MethodPatch)

	// Catalog
	r.HandleFunc("/products", a.ListProductsHandler).Methods(http.MethodGet)
	r.Handle("/products", a.adminOnly(a.CreateProductHandler)).Methods(http.MethodPost)
	r.HandleFunc("/products/{id:[0-9]+}", a.GetProductHandler).Methods(http.MethodGet)
	r.Handle("/products/{id:[0-9]+}", a.adminOnly(a.UpdateProductHandler)).Methods(http.MethodPatch)
	r.Handle("/products/{id:[0-9]+}", a.adminOnly(a.DeleteProductHandler)).Methods(http.MethodDelete)
	r.HandleFunc("/categories", a.ListCategoriesHandler).Methods(http.MethodGet)

	// Orders
	r.Handle("/orders", a.authenticated(a.CreateOrderHandler)).Methods(http.MethodPost)
	r.Handle("/orders/my", a.authenticated(a.ListMyOrdersHandler)).Methods(http.MethodGet)
	r.Handle("/orders", a.adminOnly(a.ListAllOrdersHandler)).Methods(http.MethodGet)
	r.Handle("/orders/{id:[0-9]+}", a.adminOnly(a.UpdateOrderStatusHandler)).Methods(http.MethodPatch)

	// Health
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
}

func (a *App) authenticated(h http.HandlerFunc) http.Handler {
	return middleware.RequireAuth(a.tokens)(h)
}

func (a *App) adminOnly(h http.HandlerFunc) http.Handler {
	return middleware.RequireAuth(a.tokens)(middleware.RequireRole(models.RoleAdmin)(h))
}

// HealthHandler handles health check requests
func (a *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.HealthCheck(ctx); err != nil {
		log.Printf("[HEALTH] Database check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
