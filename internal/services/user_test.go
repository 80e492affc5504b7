package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/teahouse/storefront/internal/auth"
	"github.com/teahouse/storefront/internal/metrics"
	"github.com/teahouse/storefront/internal/models"
)

var (
	emailExistsQuery = regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)")
	insertUserQuery  = regexp.QuoteMeta("INSERT INTO users (email, password_hash, role) VALUES (?, ?, ?)")
	userByEmailQuery = regexp.QuoteMeta("FROM users WHERE email = ?")
	userByIDQuery    = regexp.QuoteMeta("FROM users WHERE id = ?")
)

func newUserService(t *testing.T) (*UserService, sqlmock.Sqlmock, *auth.TokenManager) {
	t.Helper()
	database, mock := newMockDB(t)
	tokens := auth.NewTokenManager("test-secret", time.Hour, auth.NewMemoryRevocations())
	return NewUserService(database, metrics.Discard(), tokens), mock, tokens
}

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "name", "phone", "idnp", "address", "delivery_method", "avatar_url", "created_at"})
}

func TestRegister(t *testing.T) {
	svc, mock, _ := newUserService(t)

	mock.ExpectQuery(emailExistsQuery).WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(insertUserQuery).WithArgs("ana@example.com", sqlmock.AnyArg(), "USER").
		WillReturnResult(sqlmock.NewResult(5, 1))
	registeredAt := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT created_at FROM users WHERE id = ?")).WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(registeredAt))

	user, err := svc.Register(context.Background(), "  Ana@Example.com ", "oolong42")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.ID != 5 || user.Email != "ana@example.com" || user.Role != models.RoleUser || !user.CreatedAt.Equal(registeredAt) {
		t.Errorf("user = %+v", user)
	}
	if !auth.CheckPassword(user.PasswordHash, "oolong42") {
		t.Error("stored hash does not match password")
	}
	expectationsMet(t, mock)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, mock, _ := newUserService(t)

	mock.ExpectQuery(emailExistsQuery).WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if _, err := svc.Register(context.Background(), "ana@example.com", "oolong42"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("err = %v, want ErrDuplicateEmail", err)
	}
	expectationsMet(t, mock)
}

func TestRegisterDuplicateEmailRace(t *testing.T) {
	svc, mock, _ := newUserService(t)

	mock.ExpectQuery(emailExistsQuery).WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(insertUserQuery).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	if _, err := svc.Register(context.Background(), "ana@example.com", "oolong42"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("err = %v, want ErrDuplicateEmail", err)
	}
	expectationsMet(t, mock)
}

func TestLogin(t *testing.T) {
	svc, mock, tokens := newUserService(t)
	hash, err := auth.HashPassword("oolong42")
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery(userByEmailQuery).WithArgs("ana@example.com").
		WillReturnRows(userRows().AddRow(5, "ana@example.com", hash, "ADMIN", "Ana", nil, nil, nil, "POST", nil, time.Now()))

	token, user, err := svc.Login(context.Background(), "ana@example.com", "oolong42")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != 5 || user.Role != models.RoleAdmin || *user.Name != "Ana" || *user.DeliveryMethod != models.DeliveryPost {
		t.Errorf("user = %+v", user)
	}

	id, err := tokens.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != 5 || id.Role != models.RoleAdmin {
		t.Errorf("identity = %+v", id)
	}
	expectationsMet(t, mock)
}

func TestLoginInvalidCredentials(t *testing.T) {
	svc, mock, _ := newUserService(t)
	hash, err := auth.HashPassword("oolong42")
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery(userByEmailQuery).WithArgs("nobody@example.com").WillReturnRows(userRows())
	mock.ExpectQuery(userByEmailQuery).WithArgs("ana@example.com").
		WillReturnRows(userRows().AddRow(5, "ana@example.com", hash, "USER", nil, nil, nil, nil, nil, nil, time.Now()))

	_, _, unknownErr := svc.Login(context.Background(), "nobody@example.com", "oolong42")
	_, _, wrongErr := svc.Login(context.Background(), "ana@example.com", "sencha42")

	if !errors.Is(unknownErr, ErrInvalidCredentials) || !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("errors = %v / %v, want ErrInvalidCredentials", unknownErr, wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Errorf("unknown email and wrong password should be indistinguishable: %q vs %q", unknownErr, wrongErr)
	}
	expectationsMet(t, mock)
}

func TestLogout(t *testing.T) {
	svc, _, tokens := newUserService(t)
	ctx := context.Background()

	token, err := tokens.Issue(&models.User{ID: 5, Role: models.RoleUser})
	if err != nil {
		t.Fatal(err)
	}
	id, err := tokens.Verify(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Logout(ctx, id); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := tokens.Verify(ctx, token); !errors.Is(err, auth.ErrRevokedToken) {
		t.Errorf("Verify after logout = %v, want ErrRevokedToken", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	svc, mock, _ := newUserService(t)
	name, phone := "Ana Popescu", " +37360000000 "
	courier := models.DeliveryCourier

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET name = ?, phone = ?, delivery_method = ? WHERE id = ?")).
		WithArgs("Ana Popescu", "+37360000000", "COURIER", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(userByIDQuery).WithArgs(int64(5)).
		WillReturnRows(userRows().AddRow(5, "ana@example.com", "x", "USER", "Ana Popescu", "+37360000000", nil, "Str. Ceaiului 1", "COURIER", nil, time.Now()))

	user, err := svc.UpdateProfile(context.Background(), 5, models.ProfileUpdate{
		Name: &name, Phone: &phone, DeliveryMethod: &courier,
	})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if !user.ProfileComplete() {
		t.Errorf("profile should be complete: %+v", user)
	}
	expectationsMet(t, mock)
}

func TestUpdateProfileRejects(t *testing.T) {
	svc, mock, _ := newUserService(t)
	other := int64(6)
	drone := models.DeliveryMethod("DRONE")

	if _, err := svc.UpdateProfile(context.Background(), 5, models.ProfileUpdate{ID: &other}); !errors.Is(err, ErrForbidden) {
		t.Errorf("foreign id err = %v, want ErrForbidden", err)
	}
	if _, err := svc.UpdateProfile(context.Background(), 5, models.ProfileUpdate{DeliveryMethod: &drone}); !errors.Is(err, ErrValidation) {
		t.Errorf("bad delivery method err = %v, want ErrValidation", err)
	}
	expectationsMet(t, mock)
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	svc, mock, _ := newUserService(t)

	mock.ExpectQuery(userByEmailQuery).WithArgs("admin@teahouse.test").
		WillReturnRows(userRows().AddRow(1, "admin@teahouse.test", "x", "ADMIN", nil, nil, nil, nil, nil, nil, time.Now()))

	if err := svc.EnsureAdmin(context.Background(), "admin@teahouse.test", "secret1"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	expectationsMet(t, mock)
}

func TestCreateUserRejectsShortPassword(t *testing.T) {
	svc, mock, _ := newUserService(t)
	mock.ExpectQuery(userByEmailQuery).WithArgs("admin@teahouse.test").WillReturnRows(userRows())

	for _, create := range []func() error{
		func() error { _, err := svc.Register(context.Background(), "ana@example.com", "tea"); return err },
		func() error { return svc.EnsureAdmin(context.Background(), "admin@teahouse.test", "tea") },
	} {
		if err := create(); !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	}
	expectationsMet(t, mock)
}
