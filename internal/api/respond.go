package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/teahouse/storefront/internal/middleware"
	"github.com/teahouse/storefront/internal/services"
)

const maxBodyBytes = 1 << 20

// errorKinds maps service errors to a status and the code clients switch on
var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{services.ErrValidation, http.StatusBadRequest, "ValidationError"},
	{services.ErrDuplicateEmail, http.StatusBadRequest, "DuplicateEmail"},
	{services.ErrInvalidCredentials, http.StatusUnauthorized, "InvalidCredentials"},
	{services.ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	{services.ErrForbidden, http.StatusForbidden, "Forbidden"},
	{services.ErrProductNotFound, http.StatusBadRequest, "ProductNotFound"},
	{services.ErrEmptyCart, http.StatusBadRequest, "EmptyCart"},
	{services.ErrInsufficientStock, http.StatusBadRequest, "InsufficientStock"},
	{services.ErrNotFound, http.StatusNotFound, "NotFound"},
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

// writeError reports err to the client. Errors outside the taxonomy are
// logged and hidden behind a generic TransientServerError.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, kind := range errorKinds {
		if errors.Is(err, kind.err) {
			writeJSON(w, kind.status, errorResponse{Error: err.Error(), Code: kind.code})
			return
		}
	}

	log.Printf("[API] %s %s [%s]: %v", r.Method, r.URL.Path, middleware.RequestID(r.Context()), err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error: "internal server error, please retry",
		Code:  "TransientServerError",
	})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it
func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", services.ErrValidation)
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", services.ErrValidation, describe(verrs))
		}
		return fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "min", "gte", "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, minimum(fe)))
		case "max", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func minimum(fe validator.FieldError) string {
	if fe.Tag() != "gt" {
		return fe.Param()
	}
	n, err := strconv.Atoi(fe.Param())
	if err != nil {
		return fe.Param()
	}
	return strconv.Itoa(n + 1)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", services.ErrValidation)
	}
	return id, nil
}
