package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/teahouse/storefront/internal/models"
	"github.com/teahouse/storefront/internal/storefront"
)

var shopAdminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage the catalog and customer orders (administrators only)",
}

var (
	adminTitle       string
	adminPrice       string
	adminStock       int
	adminCategory    int64
	adminDescription string
	adminImage       string
)

// adminRunE is shopRunE for commands that need an admin session.
// Customers are refused before any request is sent.
func adminRunE(fn func(cmd *cobra.Command, args []string, a *storefront.Admin) error) func(*cobra.Command, []string) error {
	return shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		admin, err := storefront.NewAdmin(s.client, s.front.Session())
		if err != nil {
			return err
		}
		return fn(cmd, args, admin)
	})
}

var adminAddProductCmd = &cobra.Command{
	Use:   "add-product",
	Short: "Add a tea to the catalog",
	Args:  cobra.NoArgs,
	RunE: adminRunE(func(cmd *cobra.Command, args []string, a *storefront.Admin) error {
		price, err := decimal.NewFromString(adminPrice)
		if err != nil {
			return fmt.Errorf("invalid price %q", adminPrice)
		}
		req := models.CreateProductRequest{
			Title:      adminTitle,
			Price:      price,
			Stock:      adminStock,
			CategoryID: adminCategory,
		}
		if cmd.Flags().Changed("description") {
			req.Description = &adminDescription
		}
		if cmd.Flags().Changed("image") {
			req.ImageURL = &adminImage
		}
		product, err := a.CreateProduct(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added #%d %s (%s, %d in stock)\n",
			product.ID, product.Title, product.Price.StringFixed(2), product.Stock)
		return nil
	}),
}

var adminDeleteProductCmd = &cobra.Command{
	Use:   "delete-product <product-id>",
	Short: "Remove a tea from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: adminRunE(func(cmd *cobra.Command, args []string, a *storefront.Admin) error {
		id, err := parseProductID(args[0])
		if err != nil {
			return err
		}
		if err := a.DeleteProduct(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted product #%d\n", id)
		return nil
	}),
}

var adminOrdersCmd = &cobra.Command{
	Use:   "orders",
	Short: "List orders from every customer",
	Args:  cobra.NoArgs,
	RunE: adminRunE(func(cmd *cobra.Command, args []string, a *storefront.Admin) error {
		orders, err := a.Orders(cmd.Context())
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No orders yet")
			return nil
		}
		for i := range orders {
			if orders[i].User != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Customer %s\n", orders[i].User.Email)
			}
			printOrder(cmd.OutOrStdout(), &orders[i])
		}
		return nil
	}),
}

var adminSetStatusCmd = &cobra.Command{
	Use:   "set-status <order-id> <PROCESSING|SHIPPED|DELIVERED|CANCELLED>",
	Short: "Change the status of an order",
	Args:  cobra.ExactArgs(2),
	RunE: adminRunE(func(cmd *cobra.Command, args []string, a *storefront.Admin) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid order id %q", args[0])
		}
		status := models.OrderStatus(strings.ToUpper(args[1]))
		order, err := a.SetOrderStatus(cmd.Context(), id, status)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Order #%d is now %s\n", order.ID, order.Status)
		return nil
	}),
}

// adminSessionSaved reports whether the saved session belongs to an admin.
// Any failure to read the state counts as no.
func adminSessionSaved(cmd *cobra.Command) bool {
	if cmd.Context() == nil {
		cmd.SetContext(context.Background())
	}
	s, err := openShop(cmd)
	if err != nil {
		return false
	}
	defer s.close()
	return s.front.Session().IsAdmin()
}

func init() {
	adminAddProductCmd.Flags().StringVar(&adminTitle, "title", "", "tea name")
	adminAddProductCmd.Flags().StringVar(&adminPrice, "price", "", "unit price, e.g. 12.50")
	adminAddProductCmd.Flags().IntVar(&adminStock, "stock", 0, "units in stock")
	adminAddProductCmd.Flags().Int64Var(&adminCategory, "category", 0, "category id")
	adminAddProductCmd.Flags().StringVar(&adminDescription, "description", "", "description")
	adminAddProductCmd.Flags().StringVar(&adminImage, "image", "", "image URL")
	adminAddProductCmd.MarkFlagRequired("title")
	adminAddProductCmd.MarkFlagRequired("price")
	adminAddProductCmd.MarkFlagRequired("category")

	shopAdminCmd.AddCommand(adminAddProductCmd, adminDeleteProductCmd, adminOrdersCmd, adminSetStatusCmd)
	shopCmd.AddCommand(shopAdminCmd)

	// The admin group only shows up in "shop" help for an admin session
	defaultHelp := shopCmd.HelpFunc()
	shopCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == shopCmd {
			shopAdminCmd.Hidden = !adminSessionSaved(cmd)
		}
		defaultHelp(cmd, args)
	})
}
