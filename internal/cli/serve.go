package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/teahouse/storefront/internal/api"
	"github.com/teahouse/storefront/internal/auth"
	"github.com/teahouse/storefront/internal/db"
	"github.com/teahouse/storefront/internal/metrics"
	"github.com/teahouse/storefront/internal/middleware"
	"github.com/teahouse/storefront/internal/services"
	"github.com/teahouse/storefront/pkg/config"
)

var skipMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the shop HTTP API",
	Long: `Starts the order service: catalog, auth and checkout endpoints backed by
MySQL, with OpenTelemetry metrics exported over OTLP/HTTP.

The schema is applied on startup unless --skip-migrate is given. Token
revocations are kept in Redis when REDIS_ADDR is set, in memory otherwise.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply the schema on startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadConfig()
	ctx := cmd.Context()

	// Initialize OpenTelemetry metrics
	appMetrics, meterProvider, err := metrics.InitMetrics(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down meter provider: %v", err)
		}
	}()

	// Initialize database
	database, err := db.NewDB(cfg.GetDSN(), meterProvider.Meter(cfg.OTELServiceName), cfg.OTELServiceName)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if !skipMigrate {
		if err := database.InitSchema(ctx, db.SchemaSQL); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	revocations, closeRevocations, err := newRevocationStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRevocations()
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL, revocations)

	// Initialize services
	// Checkout drops sold products from the catalog cache
	productCache := services.NewProductCache(5 * time.Minute)
	productService := services.NewProductService(database, appMetrics, productCache)
	orderService := services.NewOrderService(database, appMetrics, productCache)
	userService := services.NewUserService(database, appMetrics, tokens)

	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		if err := userService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return fmt.Errorf("failed to ensure admin account: %w", err)
		}
	}

	app := api.NewApp(cfg, database, appMetrics, tokens, productService, orderService, userService)

	router := mux.NewRouter()
	app.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.GetAppPortInt()),
		Handler:      middleware.CORS(cfg.CORSAllowedOrigins, router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Server starting on port %d", cfg.GetAppPortInt())
		if cfg.MetricsEnabled {
			log.Printf("OTLP endpoint: %s", cfg.OTELExporterOTLPEndpoint)
		}
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("Server exited")
	return nil
}

func newRevocationStore(ctx context.Context, cfg *config.Config) (auth.RevocationStore, func(), error) {
	if cfg.RedisAddr == "" {
		log.Println("[AUTH] Token revocations kept in memory")
		return auth.NewMemoryRevocations(), func() {}, nil
	}

	client := newRedisClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	log.Printf("[AUTH] Token revocations kept in redis at %s", cfg.RedisAddr)
	return auth.NewRedisRevocations(client), func() { client.Close() }, nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
