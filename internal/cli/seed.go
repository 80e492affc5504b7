package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/teahouse/storefront/internal/metrics"
	"github.com/teahouse/storefront/internal/models"
	"github.com/teahouse/storefront/internal/services"
	"github.com/teahouse/storefront/pkg/config"
)

type seedProduct struct {
	title       string
	price       string
	description string
	category    string
	stock       int
	imageURL    string
}

var seedCategories = []string{"Black tea", "Green tea", "Herbal tea"}

var seedProducts = []seedProduct{
	{
		title:       "Earl Grey Premium",
		price:       "12.50",
		description: "Classic black tea with natural bergamot oil. Full body and a bright aroma.",
		category:    "Black tea",
		stock:       100,
		imageURL:    "https://images.unsplash.com/photo-1564890369478-c5bc62dde0a3?auto=format&fit=crop&w=800&q=80",
	},
	{
		title:       "Golden Yunnan",
		price:       "15.00",
		description: "Chinese red tea rich in golden buds. Soft taste with notes of honey.",
		category:    "Black tea",
		stock:       80,
		imageURL:    "https://images.unsplash.com/photo-1597481499750-3e6b22637e12?auto=format&fit=crop&w=800&q=80",
	},
	{
		title:       "Sencha Kyoto",
		price:       "18.00",
		description: "First flush Japanese green tea. Fresh grassy taste and an emerald infusion.",
		category:    "Green tea",
		stock:       50,
		imageURL:    "https://images.unsplash.com/photo-1627435601361-ec25f5b1d0e5?auto=format&fit=crop&w=800&q=80",
	},
	{
		title:       "Dragon Well (Longjing)",
		price:       "22.50",
		description: "Famous Chinese green tea. Flat leaves, nutty aroma and a sweet finish.",
		category:    "Green tea",
		stock:       30,
		imageURL:    "https://images.unsplash.com/photo-1594631252845-29fc4cc8cde9?auto=format&fit=crop&w=800&q=80",
	},
	{
		title:       "Alpine herbs",
		price:       "10.00",
		description: "Mint, chamomile and lemongrass. Caffeine free for the evening.",
		category:    "Herbal tea",
		stock:       120,
		imageURL:    "https://images.unsplash.com/photo-1597318181409-cf64d0b5d8a2?auto=format&fit=crop&w=800&q=80",
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the starter tea catalog",
	Long: `Creates the three tea categories and five starter teas. Categories are
matched by name and products by title, so existing rows are left alone and
the command can be rerun. When ADMIN_EMAIL and ADMIN_PASSWORD are set the
admin account is created as well.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg := config.LoadConfig()

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	appMetrics := metrics.Discard()
	productService := services.NewProductService(database, appMetrics, nil)
	userService := services.NewUserService(database, appMetrics, nil)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	if err := seedCatalog(ctx, productService, cmd.OutOrStdout()); err != nil {
		return err
	}
	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		if err := userService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return fmt.Errorf("failed to create admin: %w", err)
		}
	}
	return nil
}

type catalogSeeder interface {
	UpsertCategory(ctx context.Context, name string) (int64, error)
	EnsureProduct(ctx context.Context, req models.CreateProductRequest) (bool, error)
}

func seedCatalog(ctx context.Context, s catalogSeeder, out io.Writer) error {
	categoryIDs := make(map[string]int64, len(seedCategories))
	for _, name := range seedCategories {
		id, err := s.UpsertCategory(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to seed category %q: %w", name, err)
		}
		categoryIDs[name] = id
	}

	created := 0
	for _, p := range seedProducts {
		description, imageURL := p.description, p.imageURL
		ok, err := s.EnsureProduct(ctx, models.CreateProductRequest{
			Title:       p.title,
			Price:       decimal.RequireFromString(p.price),
			Description: &description,
			ImageURL:    &imageURL,
			Stock:       p.stock,
			CategoryID:  categoryIDs[p.category],
		})
		if err != nil {
			return fmt.Errorf("failed to seed %q: %w", p.title, err)
		}
		if ok {
			created++
		}
	}
	fmt.Fprintf(out, "Seeded %d categories, %d new products (%d already present)\n",
		len(seedCategories), created, len(seedProducts)-created)
	return nil
}
