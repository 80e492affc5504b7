package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/teahouse/storefront/internal/auth"
	"github.com/teahouse/storefront/internal/db"
	"github.com/teahouse/storefront/internal/metrics"
	"github.com/teahouse/storefront/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const userColumns = "id, email, password_hash, role, name, phone, idnp, address, delivery_method, avatar_url, created_at"

// UserService handles registration, login and profile updates
type UserService struct {
	db      *db.DB
	metrics *metrics.AppMetrics
	tokens  *auth.TokenManager
}

// NewUserService creates a new user service
func NewUserService(db *db.DB, metrics *metrics.AppMetrics, tokens *auth.TokenManager) *UserService {
	return &UserService{
		db:      db,
		metrics: metrics,
		tokens:  tokens,
	}
}

// Register creates a USER account for email
func (s *UserService) Register(ctx context.Context, email, password string) (*models.User, error) {
	return s.CreateUser(ctx, email, password, models.RoleUser)
}

// CreateUser creates an account with the given role
func (s *UserService) CreateUser(ctx context.Context, email, password string, role models.Role) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	if len(password) < models.MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, models.MinPasswordLength)
	}

	// The unique index on email still catches concurrent registrations below
	exists, err := s.emailExists(ctx, email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateEmail
	}

	// Hash password
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	start := time.Now()
	query := "INSERT INTO users (email, password_hash, role) VALUES (?, ?, ?)"
	result, err := s.db.ExecContext(ctx, query, email, hash, string(role))
	s.metrics.RecordDBQuery(ctx, "INSERT", "users", query, start, err == nil)
	if err != nil {
		// Lost a race with a concurrent registration
		if isMySQLError(err, mysqlDuplicateEntry) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user ID: %w", err)
	}

	// created_at is set by the database
	var createdAt time.Time
	start = time.Now()
	createdQuery := "SELECT created_at FROM users WHERE id = ?"
	err = s.db.QueryRowContext(ctx, createdQuery, id).Scan(&createdAt)
	s.metrics.RecordDBQuery(ctx, "SELECT", "users", createdQuery, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read new user: %w", err)
	}

	s.metrics.UsersRegistered.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("role", string(role)),
	})...))
	log.Printf("[AUTH] User registered: user_id=%d, role=%s", id, role)

	return &models.User{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    createdAt,
	}, nil
}

// Login checks credentials and issues a session token. Unknown emails and
// wrong passwords produce the same ErrInvalidCredentials.
func (s *UserService) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	user, err := s.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		// Spend a bcrypt comparison anyway so response time does not reveal unknown emails
		auth.BurnPasswordCheck(password)
		s.recordLogin(ctx, "invalid")
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}

	if !auth.CheckPassword(user.PasswordHash, password) {
		s.recordLogin(ctx, "invalid")
		return "", nil, ErrInvalidCredentials
	}

	// Generate token
	token, err := s.tokens.Issue(user)
	if err != nil {
		return "", nil, err
	}

	s.recordLogin(ctx, "success")
	return token, user, nil
}

// Logout revokes the caller's token
func (s *UserService) Logout(ctx context.Context, id *auth.Identity) error {
	if err := s.tokens.Revoke(ctx, id); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	log.Printf("[AUTH] Logged out: user_id=%d", id.UserID)
	return nil
}

func (s *UserService) recordLogin(ctx context.Context, result string) {
	s.metrics.LoginAttempts.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("result", result),
	})...))
}

// GetUser returns a user by ID
func (s *UserService) GetUser(ctx context.Context, id int64) (*models.User, error) {
	start := time.Now()
	query := "SELECT " + userColumns + " FROM users WHERE id = ?"
	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	s.metrics.RecordDBQuery(ctx, "SELECT", "users", query, start, err == nil || err == sql.ErrNoRows)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByEmail returns a user by email
func (s *UserService) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	start := time.Now()
	query := "SELECT " + userColumns + " FROM users WHERE email = ?"
	user, err := scanUser(s.db.QueryRowContext(ctx, query, normalizeEmail(email)))
	s.metrics.RecordDBQuery(ctx, "SELECT", "users", query, start, err == nil || err == sql.ErrNoRows)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateProfile applies the non-nil fields of update to the user's profile
func (s *UserService) UpdateProfile(ctx context.Context, userID int64, update models.ProfileUpdate) (*models.User, error) {
	if update.ID != nil && *update.ID != userID {
		return nil, fmt.Errorf("%w: cannot update another user's profile", ErrForbidden)
	}
	if update.DeliveryMethod != nil && !update.DeliveryMethod.Valid() {
		return nil, fmt.Errorf("%w: unknown delivery method %q", ErrValidation, *update.DeliveryMethod)
	}
	if update.Empty() {
		return s.GetUser(ctx, userID)
	}

	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if update.Name != nil {
		add("name", strings.TrimSpace(*update.Name))
	}
	if update.Phone != nil {
		add("phone", strings.TrimSpace(*update.Phone))
	}
	if update.IDNP != nil {
		add("idnp", strings.TrimSpace(*update.IDNP))
	}
	if update.Address != nil {
		add("address", strings.TrimSpace(*update.Address))
	}
	if update.DeliveryMethod != nil {
		add("delivery_method", string(*update.DeliveryMethod))
	}
	if update.AvatarURL != nil {
		add("avatar_url", strings.TrimSpace(*update.AvatarURL))
	}
	args = append(args, userID)

	start := time.Now()
	query := "UPDATE users SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	_, err := s.db.ExecContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "users", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	// MySQL reports zero affected rows for unchanged values, so existence is
	// established by reading the row back.
	return s.GetUser(ctx, userID)
}

// EnsureAdmin creates the admin account if no user with that email exists
func (s *UserService) EnsureAdmin(ctx context.Context, email, password string) error {
	_, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		log.Printf("[AUTH] Admin %s already exists", normalizeEmail(email))
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := s.CreateUser(ctx, email, password, models.RoleAdmin); err != nil {
		return err
	}
	log.Printf("[AUTH] Admin %s created", normalizeEmail(email))
	return nil
}

func (s *UserService) emailExists(ctx context.Context, email string) (bool, error) {
	start := time.Now()
	query := "SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)"
	var exists bool
	err := s.db.QueryRowContext(ctx, query, email).Scan(&exists)
	s.metrics.RecordDBQuery(ctx, "SELECT", "users", query, start, err == nil)
	if err != nil {
		return false, fmt.Errorf("failed to check email: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var role string
	var name, phone, idnp, address, delivery, avatar sql.NullString
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &name, &phone, &idnp, &address, &delivery, &avatar, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	u.Name = nullString(name)
	u.Phone = nullString(phone)
	u.IDNP = nullString(idnp)
	u.Address = nullString(address)
	u.AvatarURL = nullString(avatar)
	if delivery.Valid {
		dm := models.DeliveryMethod(delivery.String)
		u.DeliveryMethod = &dm
	}
	return &u, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
