package storefront

import (
	"context"
	"fmt"

	"github.com/teahouse/storefront/internal/models"
)

const (
	tokenKey = "token"
	userKey  = "user"
)

// Session is the logged-in state of the client
type Session struct {
	store Storage
	token string
	user  *models.User
}

// LoadSession restores a saved session. A token without a user, or the
// other way round, counts as logged out.
func LoadSession(ctx context.Context, store Storage) (*Session, error) {
	s := &Session{store: store}

	var token string
	hasToken, err := loadJSON(ctx, store, tokenKey, &token)
	if err != nil {
		return nil, err
	}
	var user models.User
	hasUser, err := loadJSON(ctx, store, userKey, &user)
	if err != nil {
		return nil, err
	}
	if hasToken && hasUser && token != "" {
		s.token = token
		s.user = &user
	}
	return s, nil
}

// Start stores the token and user returned by a login
func (s *Session) Start(ctx context.Context, token string, user *models.User) error {
	if err := saveJSON(ctx, s.store, tokenKey, token); err != nil {
		return err
	}
	if err := saveJSON(ctx, s.store, userKey, user); err != nil {
		return err
	}
	s.token = token
	s.user = user
	return nil
}

// SetUser replaces the stored user after a profile change
func (s *Session) SetUser(ctx context.Context, user *models.User) error {
	if !s.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if err := saveJSON(ctx, s.store, userKey, user); err != nil {
		return err
	}
	s.user = user
	return nil
}

// End forgets the token and user
func (s *Session) End(ctx context.Context) error {
	s.token = ""
	s.user = nil
	if err := s.store.Delete(ctx, tokenKey); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if err := s.store.Delete(ctx, userKey); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (s *Session) IsAuthenticated() bool {
	return s.token != "" && s.user != nil
}

func (s *Session) Token() string {
	return s.token
}

// User returns the logged-in user or nil
func (s *Session) User() *models.User {
	return s.user
}

// IsAdmin reports whether the logged-in user may use admin operations
func (s *Session) IsAdmin() bool {
	return s.user != nil && s.user.Role == models.RoleAdmin
}

// ProfileComplete reports whether the user has the fields checkout needs
func (s *Session) ProfileComplete() bool {
	return s.user != nil && s.user.ProfileComplete()
}
