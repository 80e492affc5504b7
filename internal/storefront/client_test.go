package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/teahouse/storefront/internal/models"
)

func TestClientCheckout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var req models.CreateOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) != 1 || req.Items[0].Quantity != 2 {
			t.Errorf("body = %+v, %v", req, err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"success":true,"order":{"id":5,"userId":7,"status":"PROCESSING","totalPrice":25,"items":[]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", srv.Client())
	order, err := c.Checkout(context.Background(), "tok", []models.CheckoutLine{{ProductID: 1, Quantity: 2}})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if order.ID != 5 || order.TotalPrice.StringFixed(2) != "25.00" {
		t.Errorf("order = %+v", order)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"success":false,"error":"invalid credentials","code":"InvalidCredentials"}`))
	}))
	defer srv.Close()

	_, _, err := NewClient(srv.URL, nil).Login(context.Background(), "nobody@example.com", "oolong42")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != 401 || apiErr.Code != "InvalidCredentials" || apiErr.Message != "invalid credentials" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClientAdminEndpoints(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		if got := r.Header.Get("Authorization"); got != "Bearer admintok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "POST /products":
			var req models.CreateProductRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title != "Sencha" || req.CategoryID != 2 {
				t.Errorf("body = %+v, %v", req, err)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"success":true,"product":{"id":4,"title":"Sencha","price":9,"stock":40,"categoryId":2}}`))
		case "DELETE /products/4":
			w.Write([]byte(`{"success":true,"message":"Product deleted"}`))
		case "GET /orders":
			w.Write([]byte(`[{"id":9,"userId":7,"status":"PROCESSING","totalPrice":25,"user":{"id":7,"email":"ana@example.com","role":"USER"}}]`))
		case "PATCH /orders/9":
			var req models.UpdateOrderStatusRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status != models.OrderStatusDelivered {
				t.Errorf("body = %+v, %v", req, err)
			}
			w.Write([]byte(`{"success":true,"order":{"id":9,"userId":7,"status":"DELIVERED","totalPrice":25}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := context.Background()
	product, err := c.CreateProduct(ctx, "admintok", models.CreateProductRequest{Title: "Sencha", Stock: 40, CategoryID: 2})
	if err != nil || product.ID != 4 {
		t.Fatalf("CreateProduct = %+v, %v", product, err)
	}
	if err := c.DeleteProduct(ctx, "admintok", 4); err != nil {
		t.Fatalf("DeleteProduct: %v", err)
	}
	orders, err := c.AllOrders(ctx, "admintok")
	if err != nil || len(orders) != 1 || orders[0].User == nil || orders[0].User.Email != "ana@example.com" {
		t.Fatalf("AllOrders = %+v, %v", orders, err)
	}
	order, err := c.UpdateOrderStatus(ctx, "admintok", 9, models.OrderStatusDelivered)
	if err != nil || order.Status != models.OrderStatusDelivered {
		t.Fatalf("UpdateOrderStatus = %+v, %v", order, err)
	}
	if len(seen) != 4 {
		t.Errorf("requests = %v", seen)
	}
}

func TestClientListProductsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[{"id":1,"title":"Earl Grey Premium","price":12.5,"stock":100,"categoryId":1}]`))
	}))
	defer srv.Close()

	id := int64(1)
	products, err := NewClient(srv.URL, nil).ListProducts(context.Background(), &id)
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != "categoryId=1" || len(products) != 1 || products[0].Price.StringFixed(2) != "12.50" {
		t.Errorf("query %q, products %+v", gotQuery, products)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&APIError{Status: 400, Code: "InsufficientStock"}, false},
		{&APIError{Status: 400, Code: "ValidationError"}, false},
		{&APIError{Status: 401, Code: "Unauthorized"}, false},
		{&APIError{Status: 429, Code: "TooManyRequests"}, true},
		{&APIError{Status: 500, Code: "TransientServerError"}, true},
		{errors.New("connection refused"), true},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClientPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).ListCategories(context.Background())
	if !IsRetryable(err) || HasCode(err, "TransientServerError") {
		t.Errorf("err = %v", err)
	}
}
