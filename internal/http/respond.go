package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fjod/go_shop/internal/domain"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", slog.Any("error", err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleError maps domain errors onto HTTP statuses. Anything unclassified
// is logged and reported as a bare 500.
func handleError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var stockErr *domain.StockError

	switch {
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:   stockErr.Error(),
			Code:    "insufficient_stock",
			Details: stockErr,
		})
	case errors.Is(err, domain.ErrInvalidSignature):
		respondError(w, http.StatusUnauthorized, "invalid_signature", "invalid signature")
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		respondError(w, http.StatusConflict, "insufficient_stock", err.Error())
	case errors.Is(err, domain.ErrDuplicateOrder):
		respondError(w, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, domain.ErrInvalidCoupon):
		respondError(w, http.StatusBadRequest, "invalid_coupon", err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, domain.ErrPaymentUnavailable):
		respondError(w, http.StatusBadGateway, "payment_unavailable", "payment processor unavailable")
	case errors.Is(err, domain.ErrOrderCreationFailed):
		respondError(w, http.StatusInternalServerError, "order_creation_failed", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
