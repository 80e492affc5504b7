// Package storefront is the shop client: cart, session and the checkout flow
// driven against the HTTP API.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/teahouse/storefront/internal/models"
)

const pendingCheckoutKey = "pending_checkout"

var (
	ErrNotAuthenticated   = errors.New("log in to continue")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrProfileIncomplete  = errors.New("name, phone and address are required before checkout")
	ErrCheckoutInProgress = errors.New("checkout already in progress")
)

// State is where the cart is in the checkout flow
type State string

const (
	StateEmpty       State = "empty"
	StatePopulated   State = "populated"
	StateCheckingOut State = "checking-out"
	StateConfirmed   State = "confirmed"
)

// API is the part of the shop backend the storefront talks to
type API interface {
	Register(ctx context.Context, email, password string) error
	Login(ctx context.Context, email, password string) (string, *models.User, error)
	Logout(ctx context.Context, token string) error
	Me(ctx context.Context, token string) (*models.User, error)
	UpdateProfile(ctx context.Context, token string, update models.ProfileUpdate) (*models.User, error)
	ListProducts(ctx context.Context, categoryID *int64) ([]models.Product, error)
	ListCategories(ctx context.Context) ([]models.Category, error)
	Checkout(ctx context.Context, token string, lines []models.CheckoutLine) (*models.Order, error)
	MyOrders(ctx context.Context, token string) ([]models.Order, error)
}

// Storefront owns the cart and session of one shopper
type Storefront struct {
	api     API
	store   Storage
	cart    *Cart
	session *Session

	mu          sync.Mutex
	checkingOut bool
	confirmed   bool
	pending     bool
	lastOrder   *models.Order
}

// New rehydrates cart, session and any pending checkout from store
func New(ctx context.Context, api API, store Storage) (*Storefront, error) {
	cart, err := LoadCart(ctx, store)
	if err != nil {
		return nil, err
	}
	session, err := LoadSession(ctx, store)
	if err != nil {
		return nil, err
	}
	s := &Storefront{api: api, store: store, cart: cart, session: session}
	if _, err := loadJSON(ctx, store, pendingCheckoutKey, &s.pending); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storefront) Cart() *Cart {
	return s.cart
}

func (s *Storefront) Session() *Session {
	return s.session
}

// State derives the flow state from the cart and the last checkout
func (s *Storefront) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.checkingOut:
		return StateCheckingOut
	case s.confirmed && s.cart.IsEmpty():
		return StateConfirmed
	case s.cart.IsEmpty():
		return StateEmpty
	default:
		return StatePopulated
	}
}

// LastOrder is the order placed by the most recent successful checkout
func (s *Storefront) LastOrder() *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOrder
}

// PendingCheckout reports whether a checkout is waiting on profile completion
func (s *Storefront) PendingCheckout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Add puts one unit of p in the cart
func (s *Storefront) Add(ctx context.Context, p models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkingOut {
		return ErrCheckoutInProgress
	}
	s.confirmed = false
	return s.cart.Add(ctx, p)
}

// Remove drops the line for productID
func (s *Storefront) Remove(ctx context.Context, productID int64) error {
	s.mu.Lock()
	if s.checkingOut {
		s.mu.Unlock()
		return ErrCheckoutInProgress
	}
	err := s.cart.Remove(ctx, productID)
	empty := s.cart.IsEmpty()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if empty {
		return s.dropPending(ctx)
	}
	return nil
}

// Clear empties the cart from any state. A checkout parked for profile
// completion is abandoned with it.
func (s *Storefront) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.confirmed = false
	err := s.cart.Clear(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.dropPending(ctx)
}

func (s *Storefront) Register(ctx context.Context, email, password string) error {
	return s.api.Register(ctx, email, password)
}

// Login authenticates and stores the session
func (s *Storefront) Login(ctx context.Context, email, password string) (*models.User, error) {
	token, user, err := s.api.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := s.session.Start(ctx, token, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Logout revokes the token on the server and forgets it locally. The local
// session is cleared even when the server cannot be reached.
func (s *Storefront) Logout(ctx context.Context) error {
	var remoteErr error
	if s.session.IsAuthenticated() {
		remoteErr = s.api.Logout(ctx, s.session.Token())
	}
	if err := s.setPending(ctx, false); err != nil {
		return err
	}
	if err := s.session.End(ctx); err != nil {
		return err
	}
	return remoteErr
}

// Checkout submits the cart. Without a complete profile the checkout is
// parked and ErrProfileIncomplete is returned; CompleteProfile resumes it.
// On failure the cart is kept and the flow returns to populated.
func (s *Storefront) Checkout(ctx context.Context) (*models.Order, error) {
	s.mu.Lock()
	if s.checkingOut {
		s.mu.Unlock()
		return nil, ErrCheckoutInProgress
	}
	if !s.session.IsAuthenticated() {
		s.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	if s.cart.IsEmpty() {
		s.mu.Unlock()
		return nil, ErrEmptyCart
	}
	if !s.session.ProfileComplete() {
		s.mu.Unlock()
		if err := s.setPending(ctx, true); err != nil {
			return nil, err
		}
		return nil, ErrProfileIncomplete
	}
	s.checkingOut = true
	lines := s.cart.Lines()
	token := s.session.Token()
	s.mu.Unlock()

	order, err := s.api.Checkout(ctx, token, lines)

	s.mu.Lock()
	s.checkingOut = false
	if err != nil {
		s.mu.Unlock()
		// Expired or revoked token: forget it so the next step asks for a login
		if HasCode(err, "Unauthorized") {
			if endErr := s.session.End(ctx); endErr != nil {
				return nil, endErr
			}
		}
		return nil, fmt.Errorf("checkout failed: %w", err)
	}
	s.lastOrder = order
	s.confirmed = true
	clearErr := s.cart.Clear(ctx)
	s.mu.Unlock()

	if err := s.setPending(ctx, false); err != nil {
		return order, err
	}
	return order, clearErr
}

// CompleteProfile saves update and, if a checkout was waiting for it,
// resumes that checkout with the current cart. The returned order is nil
// when nothing was pending.
func (s *Storefront) CompleteProfile(ctx context.Context, update models.ProfileUpdate) (*models.Order, error) {
	if !s.session.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	user, err := s.api.UpdateProfile(ctx, s.session.Token(), update)
	if err != nil {
		return nil, err
	}
	if err := s.session.SetUser(ctx, user); err != nil {
		return nil, err
	}

	if !s.PendingCheckout() {
		return nil, nil
	}
	// Nothing left to buy
	if s.cart.IsEmpty() {
		return nil, s.dropPending(ctx)
	}
	return s.Checkout(ctx)
}

// RefreshUser reloads the logged-in user from the server, picking up profile
// or role changes made elsewhere
func (s *Storefront) RefreshUser(ctx context.Context) (*models.User, error) {
	if !s.session.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	user, err := s.api.Me(ctx, s.session.Token())
	if err != nil {
		if HasCode(err, "Unauthorized") {
			if endErr := s.session.End(ctx); endErr != nil {
				return nil, endErr
			}
		}
		return nil, err
	}
	if err := s.session.SetUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Orders lists the shopper's past orders
func (s *Storefront) Orders(ctx context.Context) ([]models.Order, error) {
	if !s.session.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	return s.api.MyOrders(ctx, s.session.Token())
}

func (s *Storefront) dropPending(ctx context.Context) error {
	if !s.PendingCheckout() {
		return nil
	}
	return s.setPending(ctx, false)
}

func (s *Storefront) setPending(ctx context.Context, pending bool) error {
	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()
	if !pending {
		return s.store.Delete(ctx, pendingCheckoutKey)
	}
	return saveJSON(ctx, s.store, pendingCheckoutKey, true)
}
