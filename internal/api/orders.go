package api

import (
	"net/http"

	"github.com/teahouse/storefront/internal/middleware"
	"github.com/teahouse/storefront/internal/models"
	"github.com/teahouse/storefront/internal/services"
)

// CreateOrderHandler handles POST /orders
func (a *App) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, services.ErrUnauthorized)
		return
	}

	var req models.CreateOrderRequest
	if err := a.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	order, err := a.orderService.Checkout(r.Context(), id.UserID, req.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "order": order})
}

// ListMyOrdersHandler handles GET /orders/my
func (a *App) ListMyOrdersHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, services.ErrUnauthorized)
		return
	}

	orders, err := a.orderService.ListUserOrders(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListAllOrdersHandler handles GET /orders
func (a *App) ListAllOrdersHandler(w http.ResponseWriter, r *http.Request) {
	orders, err := a.orderService.ListAllOrders(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// UpdateOrderStatusHandler handles PATCH /orders/{id}
func (a *App) UpdateOrderStatusHandler(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req models.UpdateOrderStatusRequest
	if err := a.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	order, err := a.orderService.UpdateOrderStatus(r.Context(), orderID, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order": order})
}
