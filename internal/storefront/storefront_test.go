package storefront

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/teahouse/storefront/internal/models"
)

type fakeAPI struct {
	user        *models.User
	checkoutErr error
	checkouts   [][]models.CheckoutLine
	updates     []models.ProfileUpdate
	loggedOut   []string
	meErr       error
}

func (f *fakeAPI) Register(ctx context.Context, email, password string) error { return nil }

func (f *fakeAPI) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	if f.user == nil || f.user.Email != email {
		return "", nil, &APIError{Status: 401, Code: "InvalidCredentials", Message: "invalid credentials"}
	}
	u := *f.user
	return "token-1", &u, nil
}

func (f *fakeAPI) Logout(ctx context.Context, token string) error {
	f.loggedOut = append(f.loggedOut, token)
	return nil
}

func (f *fakeAPI) Me(ctx context.Context, token string) (*models.User, error) {
	if f.meErr != nil {
		return nil, f.meErr
	}
	u := *f.user
	return &u, nil
}

func (f *fakeAPI) UpdateProfile(ctx context.Context, token string, update models.ProfileUpdate) (*models.User, error) {
	f.updates = append(f.updates, update)
	if update.Name != nil {
		f.user.Name = update.Name
	}
	if update.Phone != nil {
		f.user.Phone = update.Phone
	}
	if update.Address != nil {
		f.user.Address = update.Address
	}
	u := *f.user
	return &u, nil
}

func (f *fakeAPI) ListProducts(ctx context.Context, categoryID *int64) ([]models.Product, error) {
	return []models.Product{teas[2], teas[0], teas[1]}, nil
}

func (f *fakeAPI) ListCategories(ctx context.Context) ([]models.Category, error) {
	return []models.Category{{ID: 2, Name: "Green tea"}, {ID: 1, Name: "Black tea"}}, nil
}

func (f *fakeAPI) Checkout(ctx context.Context, token string, lines []models.CheckoutLine) (*models.Order, error) {
	f.checkouts = append(f.checkouts, lines)
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return &models.Order{ID: int64(len(f.checkouts)), UserID: f.user.ID, Status: models.OrderStatusProcessing, CreatedAt: time.Now()}, nil
}

func (f *fakeAPI) MyOrders(ctx context.Context, token string) ([]models.Order, error) {
	return nil, nil
}

var teas = []models.Product{
	{ID: 1, Title: "Earl Grey Premium", Price: decimal.RequireFromString("12.50"), Stock: 100, CategoryID: 1},
	{ID: 2, Title: "Sencha Kyoto", Price: decimal.RequireFromString("18.00"), Stock: 50, CategoryID: 2},
	{ID: 3, Title: "Golden Yunnan", Price: decimal.RequireFromString("15.00"), Stock: 80, CategoryID: 1},
}

func strPtr(s string) *string { return &s }

func completeUser() *models.User {
	return &models.User{
		ID: 7, Email: "ana@example.com", Role: models.RoleUser,
		Name: strPtr("Ana"), Phone: strPtr("+37360000000"), Address: strPtr("Str. Ceaiului 1"),
	}
}

func TestCartAddMergesByID(t *testing.T) {
	ctx := context.Background()
	cart, err := LoadCart(ctx, NewMemoryStorage())
	if err != nil {
		t.Fatal(err)
	}

	cart.Add(ctx, teas[0])
	cart.Add(ctx, teas[0])

	items := cart.Items()
	if len(items) != 1 || items[0].Quantity != 2 {
		t.Fatalf("items = %+v, want one line with quantity 2", items)
	}
}

func TestCartTotals(t *testing.T) {
	ctx := context.Background()
	cart, _ := LoadCart(ctx, NewMemoryStorage())

	cart.Add(ctx, teas[0])
	cart.Add(ctx, teas[0])
	cart.Add(ctx, teas[1])

	if got := cart.TotalPrice().StringFixed(2); got != "43.00" {
		t.Errorf("TotalPrice = %s, want 43.00", got)
	}
	if got := cart.TotalItems(); got != 3 {
		t.Errorf("TotalItems = %d, want 3", got)
	}

	cart.Remove(ctx, 1)
	if got := cart.TotalPrice().StringFixed(2); got != "18.00" || cart.TotalItems() != 1 {
		t.Errorf("after remove: total %s, items %d", got, cart.TotalItems())
	}
}

func TestCartPersistsEveryMutation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	cart, _ := LoadCart(ctx, store)
	cart.Add(ctx, teas[0])
	cart.Add(ctx, teas[1])
	cart.Add(ctx, teas[1])

	again, err := LoadCart(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if again.TotalItems() != 3 || again.TotalPrice().StringFixed(2) != "48.50" {
		t.Errorf("rehydrated cart = %+v", again.Items())
	}
}

func TestClearThenRehydrateIsEmpty(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	sf, err := New(ctx, &fakeAPI{}, store)
	if err != nil {
		t.Fatal(err)
	}
	sf.Add(ctx, teas[0])
	if sf.State() != StatePopulated {
		t.Fatalf("state = %s", sf.State())
	}
	if err := sf.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	again, err := New(ctx, &fakeAPI{}, store)
	if err != nil {
		t.Fatal(err)
	}
	if again.State() != StateEmpty || again.Cart().TotalItems() != 0 || !again.Cart().TotalPrice().IsZero() {
		t.Errorf("state %s, items %d, total %s", again.State(), again.Cart().TotalItems(), again.Cart().TotalPrice())
	}
}

func loggedIn(t *testing.T, api *fakeAPI) (*Storefront, Storage) {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStorage()
	sf, err := New(ctx, api, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sf.Login(ctx, api.user.Email, "oolong42"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return sf, store
}

func TestCheckoutRequiresLogin(t *testing.T) {
	ctx := context.Background()
	sf, _ := New(ctx, &fakeAPI{}, NewMemoryStorage())
	sf.Add(ctx, teas[0])

	if _, err := sf.Checkout(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	sf, _ := loggedIn(t, &fakeAPI{user: completeUser()})
	if _, err := sf.Checkout(context.Background()); !errors.Is(err, ErrEmptyCart) {
		t.Errorf("err = %v, want ErrEmptyCart", err)
	}
}

func TestCheckoutConfirmsAndClears(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{user: completeUser()}
	sf, _ := loggedIn(t, api)
	sf.Add(ctx, teas[0])
	sf.Add(ctx, teas[0])
	sf.Add(ctx, teas[1])

	order, err := sf.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if sf.State() != StateConfirmed || !sf.Cart().IsEmpty() || sf.LastOrder() != order {
		t.Errorf("state %s, cart %+v", sf.State(), sf.Cart().Items())
	}
	want := []models.CheckoutLine{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}}
	if got := api.checkouts[0]; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sent lines = %+v", got)
	}

	sf.Add(ctx, teas[2])
	if sf.State() != StatePopulated {
		t.Errorf("state after new add = %s", sf.State())
	}
}

func TestCheckoutFailureKeepsCart(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		user:        completeUser(),
		checkoutErr: &APIError{Status: 400, Code: "InsufficientStock", Message: "insufficient stock"},
	}
	sf, _ := loggedIn(t, api)
	sf.Add(ctx, teas[1])

	_, err := sf.Checkout(ctx)
	if !HasCode(err, "InsufficientStock") {
		t.Fatalf("err = %v, want InsufficientStock", err)
	}
	if IsRetryable(err) {
		t.Error("InsufficientStock should not be retryable")
	}
	if sf.State() != StatePopulated || sf.Cart().TotalItems() != 1 {
		t.Errorf("state %s, items %d", sf.State(), sf.Cart().TotalItems())
	}
}

func TestCheckoutResumesAfterProfileCompletion(t *testing.T) {
	ctx := context.Background()
	user := completeUser()
	user.Address = nil
	api := &fakeAPI{user: user}
	sf, store := loggedIn(t, api)
	sf.Add(ctx, teas[0])
	sf.Add(ctx, teas[1])

	if _, err := sf.Checkout(ctx); !errors.Is(err, ErrProfileIncomplete) {
		t.Fatalf("err = %v, want ErrProfileIncomplete", err)
	}
	if len(api.checkouts) != 0 || !sf.PendingCheckout() || sf.State() != StatePopulated {
		t.Fatalf("checkout should be parked: sent %d, pending %v, state %s", len(api.checkouts), sf.PendingCheckout(), sf.State())
	}

	// A fresh process picks the parked checkout up from storage
	resumed, err := New(ctx, api, store)
	if err != nil {
		t.Fatal(err)
	}
	order, err := resumed.CompleteProfile(ctx, models.ProfileUpdate{Address: strPtr("Str. Ceaiului 1")})
	if err != nil {
		t.Fatalf("CompleteProfile: %v", err)
	}
	if order == nil || len(api.checkouts) != 1 || len(api.checkouts[0]) != 2 {
		t.Fatalf("order %+v, checkouts %+v", order, api.checkouts)
	}
	if resumed.PendingCheckout() || resumed.State() != StateConfirmed {
		t.Errorf("pending %v, state %s", resumed.PendingCheckout(), resumed.State())
	}
}

func TestCompleteProfileWithoutPendingCheckout(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{user: completeUser()}
	sf, _ := loggedIn(t, api)
	sf.Add(ctx, teas[0])

	order, err := sf.CompleteProfile(ctx, models.ProfileUpdate{Name: strPtr("Ana P.")})
	if err != nil || order != nil {
		t.Fatalf("order %v, err %v", order, err)
	}
	if len(api.checkouts) != 0 || *sf.Session().User().Name != "Ana P." {
		t.Errorf("checkouts %d, user %+v", len(api.checkouts), sf.Session().User())
	}
}

func TestSessionRehydrationAndLogout(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{user: completeUser()}
	_, store := loggedIn(t, api)

	sf, err := New(ctx, api, store)
	if err != nil {
		t.Fatal(err)
	}
	if !sf.Session().IsAuthenticated() || sf.Session().User().ID != 7 {
		t.Fatalf("session not restored: %+v", sf.Session().User())
	}

	if err := sf.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(api.loggedOut) != 1 || api.loggedOut[0] != "token-1" {
		t.Errorf("server logout calls = %v", api.loggedOut)
	}

	again, _ := New(ctx, api, store)
	if again.Session().IsAuthenticated() {
		t.Error("session should be gone after logout")
	}
}

func TestCatalogFilterByCategory(t *testing.T) {
	catalog, err := FetchCatalog(context.Background(), &fakeAPI{})
	if err != nil {
		t.Fatal(err)
	}
	if catalog.Products[0].ID != 1 || catalog.Products[2].ID != 3 {
		t.Errorf("products not sorted by id: %+v", catalog.Products)
	}

	black := int64(1)
	got := catalog.FilterByCategory(&black)
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Errorf("black teas = %+v", got)
	}
	if all := catalog.FilterByCategory(nil); len(all) != 3 {
		t.Errorf("all = %d", len(all))
	}
	if catalog.CategoryName(2) != "Green tea" {
		t.Errorf("CategoryName(2) = %q", catalog.CategoryName(2))
	}
}

func TestEmptyingCartDropsParkedCheckout(t *testing.T) {
	ctx := context.Background()

	for name, empty := range map[string]func(*Storefront) error{
		"clear":  func(sf *Storefront) error { return sf.Clear(ctx) },
		"remove": func(sf *Storefront) error { return sf.Remove(ctx, teas[0].ID) },
	} {
		t.Run(name, func(t *testing.T) {
			user := completeUser()
			user.Phone = nil
			api := &fakeAPI{user: user}
			sf, store := loggedIn(t, api)
			sf.Add(ctx, teas[0])
			if _, err := sf.Checkout(ctx); !errors.Is(err, ErrProfileIncomplete) {
				t.Fatalf("err = %v, want ErrProfileIncomplete", err)
			}
			if err := empty(sf); err != nil {
				t.Fatal(err)
			}
			if sf.PendingCheckout() {
				t.Error("parked checkout survived an empty cart")
			}
			if _, err := store.Get(ctx, pendingCheckoutKey); !errors.Is(err, ErrNoValue) {
				t.Errorf("stored pending flag: %v", err)
			}

			order, err := sf.CompleteProfile(ctx, models.ProfileUpdate{Phone: strPtr("+37360000000")})
			if err != nil || order != nil {
				t.Errorf("CompleteProfile = %v, %v; want the profile saved and no order", order, err)
			}
			if len(api.checkouts) != 0 {
				t.Errorf("checkouts sent: %d", len(api.checkouts))
			}
		})
	}
}

func TestCompleteProfileWithStalePendingFlag(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{user: completeUser()}
	sf, store := loggedIn(t, api)
	// Written by an older run whose cart is gone
	if err := store.Set(ctx, pendingCheckoutKey, []byte("true")); err != nil {
		t.Fatal(err)
	}
	sf, err := New(ctx, api, store)
	if err != nil {
		t.Fatal(err)
	}

	order, err := sf.CompleteProfile(ctx, models.ProfileUpdate{Name: strPtr("Ana")})
	if err != nil || order != nil || sf.PendingCheckout() {
		t.Errorf("order %v, err %v, pending %v", order, err, sf.PendingCheckout())
	}
}

func TestCheckoutWithExpiredTokenEndsSession(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		user:        completeUser(),
		checkoutErr: &APIError{Status: 401, Code: "Unauthorized", Message: "invalid token"},
	}
	sf, _ := loggedIn(t, api)
	sf.Add(ctx, teas[0])

	if _, err := sf.Checkout(ctx); !HasCode(err, "Unauthorized") {
		t.Fatalf("err = %v", err)
	}
	if sf.Session().IsAuthenticated() || sf.Cart().IsEmpty() {
		t.Errorf("authenticated %v, cart %+v", sf.Session().IsAuthenticated(), sf.Cart().Items())
	}
}

func TestRefreshUser(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{user: completeUser()}
	sf, _ := loggedIn(t, api)

	api.user.Role = models.RoleAdmin
	user, err := sf.RefreshUser(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if user.Role != models.RoleAdmin || !sf.Session().IsAdmin() {
		t.Errorf("role not refreshed: %+v", sf.Session().User())
	}

	api.meErr = &APIError{Status: 401, Code: "Unauthorized", Message: "token revoked"}
	if _, err := sf.RefreshUser(ctx); err == nil || sf.Session().IsAuthenticated() {
		t.Errorf("err %v, authenticated %v", err, sf.Session().IsAuthenticated())
	}
}

type fakeAdminAPI struct {
	deleted  []int64
	statuses map[int64]models.OrderStatus
}

func (f *fakeAdminAPI) CreateProduct(ctx context.Context, token string, req models.CreateProductRequest) (*models.Product, error) {
	return &models.Product{ID: 10, Title: req.Title, Price: req.Price, Stock: req.Stock, CategoryID: req.CategoryID}, nil
}

func (f *fakeAdminAPI) DeleteProduct(ctx context.Context, token string, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAdminAPI) AllOrders(ctx context.Context, token string) ([]models.Order, error) {
	return []models.Order{{ID: 1}}, nil
}

func (f *fakeAdminAPI) UpdateOrderStatus(ctx context.Context, token string, id int64, status models.OrderStatus) (*models.Order, error) {
	f.statuses[id] = status
	return &models.Order{ID: id, Status: status}, nil
}

func TestAdminRequiresAdminSession(t *testing.T) {
	ctx := context.Background()
	admin := &fakeAdminAPI{statuses: map[int64]models.OrderStatus{}}

	anonymous, _ := New(ctx, &fakeAPI{}, NewMemoryStorage())
	if _, err := NewAdmin(admin, anonymous.Session()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("anonymous: err = %v", err)
	}
	customer, _ := loggedIn(t, &fakeAPI{user: completeUser()})
	if _, err := NewAdmin(admin, customer.Session()); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("customer: err = %v", err)
	}

	owner := completeUser()
	owner.Role = models.RoleAdmin
	sf, _ := loggedIn(t, &fakeAPI{user: owner})
	a, err := NewAdmin(admin, sf.Session())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.SetOrderStatus(ctx, 3, "LOST"); err == nil {
		t.Error("unknown status accepted")
	}
	if order, err := a.SetOrderStatus(ctx, 3, models.OrderStatusShipped); err != nil || order.Status != models.OrderStatusShipped {
		t.Errorf("SetOrderStatus = %+v, %v", order, err)
	}
	if err := a.DeleteProduct(ctx, 4); err != nil || len(admin.deleted) != 1 {
		t.Errorf("DeleteProduct: %v, %v", err, admin.deleted)
	}
}
