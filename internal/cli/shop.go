package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/teahouse/storefront/internal/models"
	"github.com/teahouse/storefront/internal/storefront"
	"github.com/teahouse/storefront/pkg/config"
)

const shopRedisNamespace = "teashop:shop"

var (
	shopAPIURL   string
	shopStateDir string
)

var shopCmd = &cobra.Command{
	Use:   "shop",
	Short: "Browse the catalog and place orders as a customer",
	Long: `The storefront client. The cart and login session are saved between
invocations, in SHOP_STATE_DIR by default or in Redis when REDIS_ADDR is set.

A checkout attempted with an incomplete profile is remembered; filling in
the profile with "shop profile" places the order.`,
}

func init() {
	shopCmd.PersistentFlags().StringVar(&shopAPIURL, "api", "", "shop API base URL (default $SHOP_API_URL)")
	shopCmd.PersistentFlags().StringVar(&shopStateDir, "state-dir", "", "directory for cart and session state (default $SHOP_STATE_DIR)")
	rootCmd.AddCommand(shopCmd)
}

// shop bundles what every shop subcommand needs
type shop struct {
	client *storefront.Client
	front  *storefront.Storefront
	close  func()
}

func openShop(cmd *cobra.Command) (*shop, error) {
	cfg := config.LoadConfig()

	apiURL := cfg.ShopAPIURL
	if shopAPIURL != "" {
		apiURL = shopAPIURL
	}
	client := storefront.NewClient(apiURL, nil)

	store, closeStore, err := openShopStorage(cfg)
	if err != nil {
		return nil, err
	}
	front, err := storefront.New(cmd.Context(), client, store)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to load saved state: %w", err)
	}
	return &shop{client: client, front: front, close: closeStore}, nil
}

func openShopStorage(cfg *config.Config) (storefront.Storage, func(), error) {
	if shopStateDir == "" && cfg.RedisAddr != "" {
		client := newRedisClient(cfg)
		return storefront.NewRedisStorage(client, shopRedisNamespace), func() { client.Close() }, nil
	}
	dir := cfg.ShopStateDir
	if shopStateDir != "" {
		dir = shopStateDir
	}
	store, err := storefront.NewFileStorage(dir)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

// shopRunE opens the shop state around fn
func shopRunE(fn func(cmd *cobra.Command, args []string, s *shop) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openShop(cmd)
		if err != nil {
			return err
		}
		defer s.close()
		return fn(cmd, args, s)
	}
}

func parseProductID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid product id %q", arg)
	}
	return id, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printCart(w io.Writer, front *storefront.Storefront) {
	cart := front.Cart()
	if cart.IsEmpty() {
		fmt.Fprintln(w, "Your cart is empty")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tTEA\tPRICE\tQTY\tSUBTOTAL")
	for _, item := range cart.Items() {
		subtotal := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", item.ProductID, item.Title, item.Price.StringFixed(2), item.Quantity, subtotal.StringFixed(2))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d items, total %s\n", cart.TotalItems(), cart.TotalPrice().StringFixed(2))
	if front.PendingCheckout() {
		fmt.Fprintln(w, "Checkout is waiting for your profile: run \"shop profile\"")
	}
}

func printOrder(w io.Writer, order *models.Order) {
	fmt.Fprintf(w, "Order #%d  %s  %s  total %s\n",
		order.ID, order.CreatedAt.Format("2006-01-02 15:04"), order.Status, order.TotalPrice.StringFixed(2))
	for _, item := range order.Items {
		title := "(no longer sold)"
		if item.Product != nil {
			title = item.Product.Title
		}
		fmt.Fprintf(w, "  %dx %s @ %s\n", item.Quantity, title, item.Price.StringFixed(2))
	}
}

var productsCategory int64

var shopProductsCmd = &cobra.Command{
	Use:   "products",
	Short: "List teas, optionally of one category",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		catalog, err := storefront.FetchCatalog(cmd.Context(), s.client)
		if err != nil {
			return err
		}
		// Category filtering happens on the fetched catalog
		var categoryID *int64
		if cmd.Flags().Changed("category") {
			categoryID = &productsCategory
		}
		products := catalog.FilterByCategory(categoryID)
		if len(products) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No teas found")
			return nil
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "ID\tTEA\tPRICE\tSTOCK\tCATEGORY")
		for _, p := range products {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", p.ID, p.Title, p.Price.StringFixed(2), p.Stock, catalog.CategoryName(p.CategoryID))
		}
		return tw.Flush()
	}),
}

var shopCategoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List tea categories",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		categories, err := s.client.ListCategories(cmd.Context())
		if err != nil {
			return err
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "ID\tCATEGORY")
		for _, c := range categories {
			fmt.Fprintf(tw, "%d\t%s\n", c.ID, c.Name)
		}
		return tw.Flush()
	}),
}

var (
	credentialsEmail    string
	credentialsPassword string
)

var shopRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a customer account",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		if err := s.front.Register(cmd.Context(), credentialsEmail, credentialsPassword); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s, now run \"shop login\"\n", credentialsEmail)
		return nil
	}),
}

var shopLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and remember the session",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		user, err := s.front.Login(cmd.Context(), credentialsEmail, credentialsPassword)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", user.Email)
		if !user.ProfileComplete() {
			fmt.Fprintln(cmd.OutOrStdout(), "Add your name, phone and address with \"shop profile\" before checking out")
		}
		return nil
	}),
}

var shopLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		err := s.front.Logout(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		if err != nil {
			return fmt.Errorf("server logout failed, local session cleared: %w", err)
		}
		return nil
	}),
}

var shopAddCmd = &cobra.Command{
	Use:   "add <product-id>",
	Short: "Add one unit of a tea to the cart",
	Args:  cobra.ExactArgs(1),
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		id, err := parseProductID(args[0])
		if err != nil {
			return err
		}
		catalog, err := storefront.FetchCatalog(cmd.Context(), s.client)
		if err != nil {
			return err
		}
		product, ok := catalog.Product(id)
		if !ok {
			return fmt.Errorf("no tea with id %d", id)
		}
		if err := s.front.Add(cmd.Context(), product); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", product.Title)
		printCart(cmd.OutOrStdout(), s.front)
		return nil
	}),
}

var shopRemoveCmd = &cobra.Command{
	Use:   "remove <product-id>",
	Short: "Remove a tea from the cart",
	Args:  cobra.ExactArgs(1),
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		id, err := parseProductID(args[0])
		if err != nil {
			return err
		}
		if err := s.front.Remove(cmd.Context(), id); err != nil {
			return err
		}
		printCart(cmd.OutOrStdout(), s.front)
		return nil
	}),
}

var shopCartCmd = &cobra.Command{
	Use:   "cart",
	Short: "Show the cart",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		printCart(cmd.OutOrStdout(), s.front)
		return nil
	}),
}

var shopClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the cart",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		if err := s.front.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cart cleared")
		return nil
	}),
}

var shopCheckoutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Place an order for the cart",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		order, err := s.front.Checkout(cmd.Context())
		switch {
		case errors.Is(err, storefront.ErrProfileIncomplete):
			fmt.Fprintln(cmd.OutOrStdout(), "Your profile needs a name, phone and address. Run \"shop profile\" and the order will be placed.")
			return err
		case errors.Is(err, storefront.ErrNotAuthenticated):
			return fmt.Errorf("%w: run \"shop login\"", err)
		case storefront.HasCode(err, "InsufficientStock"):
			return fmt.Errorf("%w (run \"shop products\" to see what is left and adjust the cart)", err)
		case storefront.HasCode(err, "Unauthorized"):
			return fmt.Errorf("%w (your session expired, run \"shop login\")", err)
		case err != nil && storefront.IsRetryable(err):
			return fmt.Errorf("%w (your cart was kept, try again)", err)
		case err != nil:
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Thank you! Your order is placed.")
		printOrder(cmd.OutOrStdout(), order)
		return nil
	}),
}

var (
	profileName     string
	profilePhone    string
	profileAddress  string
	profileIDNP     string
	profileDelivery string
	profileAvatar   string
)

var shopProfileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Update contact and delivery details",
	Long: `Updates only the fields whose flags are given. If a checkout was waiting
for a complete profile it is placed afterwards.`,
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		update, err := profileUpdateFromFlags(cmd)
		if err != nil {
			return err
		}
		order, err := s.front.CompleteProfile(cmd.Context(), update)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Profile saved")
		if order != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Thank you! Your order is placed.")
			printOrder(cmd.OutOrStdout(), order)
		}
		return nil
	}),
}

func profileUpdateFromFlags(cmd *cobra.Command) (models.ProfileUpdate, error) {
	var update models.ProfileUpdate
	flags := cmd.Flags()
	set := func(name string, value string, dst **string) {
		if flags.Changed(name) {
			v := value
			*dst = &v
		}
	}
	set("name", profileName, &update.Name)
	set("phone", profilePhone, &update.Phone)
	set("address", profileAddress, &update.Address)
	set("idnp", profileIDNP, &update.IDNP)
	set("avatar", profileAvatar, &update.AvatarURL)
	if flags.Changed("delivery") {
		method := models.DeliveryMethod(strings.ToUpper(profileDelivery))
		if !method.Valid() {
			return update, fmt.Errorf("delivery must be COURIER or POST, got %q", profileDelivery)
		}
		update.DeliveryMethod = &method
	}
	return update, nil
}

var shopMeCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the logged-in account as the server sees it",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		user, err := s.front.RefreshUser(cmd.Context())
		if err != nil {
			return err
		}
		printUser(cmd.OutOrStdout(), user)
		return nil
	}),
}

func printUser(w io.Writer, user *models.User) {
	value := func(s *string) string {
		if s == nil || *s == "" {
			return "-"
		}
		return *s
	}
	delivery := "-"
	if user.DeliveryMethod != nil {
		delivery = string(*user.DeliveryMethod)
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "Email\t%s\n", user.Email)
	fmt.Fprintf(tw, "Role\t%s\n", user.Role)
	fmt.Fprintf(tw, "Name\t%s\n", value(user.Name))
	fmt.Fprintf(tw, "Phone\t%s\n", value(user.Phone))
	fmt.Fprintf(tw, "Address\t%s\n", value(user.Address))
	fmt.Fprintf(tw, "Delivery\t%s\n", delivery)
	fmt.Fprintf(tw, "IDNP\t%s\n", value(user.IDNP))
	tw.Flush()
	if !user.ProfileComplete() {
		fmt.Fprintln(w, "Profile incomplete: name, phone and address are needed to check out")
	}
}

var shopOrdersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Show your order history",
	RunE: shopRunE(func(cmd *cobra.Command, args []string, s *shop) error {
		orders, err := s.front.Orders(cmd.Context())
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No orders yet")
			return nil
		}
		for i := range orders {
			printOrder(cmd.OutOrStdout(), &orders[i])
		}
		return nil
	}),
}

func init() {
	shopProductsCmd.Flags().Int64Var(&productsCategory, "category", 0, "only teas of this category id")

	for _, c := range []*cobra.Command{shopRegisterCmd, shopLoginCmd} {
		c.Flags().StringVar(&credentialsEmail, "email", "", "account email")
		c.Flags().StringVar(&credentialsPassword, "password", "", "account password")
		c.MarkFlagRequired("email")
		c.MarkFlagRequired("password")
	}

	shopProfileCmd.Flags().StringVar(&profileName, "name", "", "full name")
	shopProfileCmd.Flags().StringVar(&profilePhone, "phone", "", "phone number")
	shopProfileCmd.Flags().StringVar(&profileAddress, "address", "", "delivery address")
	shopProfileCmd.Flags().StringVar(&profileIDNP, "idnp", "", "personal identification number")
	shopProfileCmd.Flags().StringVar(&profileDelivery, "delivery", "", "COURIER or POST")
	shopProfileCmd.Flags().StringVar(&profileAvatar, "avatar", "", "avatar image URL")

	shopCmd.AddCommand(
		shopProductsCmd,
		shopCategoriesCmd,
		shopRegisterCmd,
		shopLoginCmd,
		shopLogoutCmd,
		shopAddCmd,
		shopRemoveCmd,
		shopCartCmd,
		shopClearCmd,
		shopCheckoutCmd,
		shopProfileCmd,
		shopMeCmd,
		shopOrdersCmd,
	)
}
