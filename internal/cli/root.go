package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/teahouse/storefront/internal/db"
	"github.com/teahouse/storefront/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "teashop",
	Short: "Tea shop backend and storefront client",
	Long: `teashop runs the tea shop order service and ships a terminal storefront
for browsing the catalog, filling a cart and checking out against it.

Use "serve" to start the HTTP API, "migrate" and "seed" to prepare the
database, and "shop" to act as a customer.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openDatabase connects without exporting metrics, for one-shot commands
func openDatabase(cfg *config.Config) (*db.DB, error) {
	return db.NewDB(cfg.GetDSN(), noop.NewMeterProvider().Meter(cfg.OTELServiceName), cfg.OTELServiceName)
}
