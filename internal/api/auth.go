package api

import (
	"net/http"

	"github.com/teahouse/storefront/internal/middleware"
	"github.com/teahouse/storefront/internal/models"
	"github.com/teahouse/storefront/internal/services"
)

// RegisterHandler handles POST /auth/register
func (a *App) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := a.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := a.userService.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "User registered",
		"user":    user,
	})
}

// LoginHandler handles POST /auth/login
func (a *App) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := a.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	token, user, err := a.userService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.LoginResponse{Success: true, Token: token, User: user})
}

// LogoutHandler handles POST /auth/logout
func (a *App) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, services.ErrUnauthorized)
		return
	}

	if err := a.userService.Logout(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// MeHandler handles GET /auth/me
func (a *App) MeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, services.ErrUnauthorized)
		return
	}

	user, err := a.userService.GetUser(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateProfileHandler handles PUT and PATCH /auth/profile
func (a *App) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, services.ErrUnauthorized)
		return
	}

	var req models.ProfileUpdate
	if err := a.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := a.userService.UpdateProfile(r.Context(), id.UserID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}
