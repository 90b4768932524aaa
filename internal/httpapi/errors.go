package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/service"
	"kasirledger/backend/internal/store"
)

type errorResponse struct {
	Error  string               `json:"error"`
	Code   string               `json:"code"`
	Fields []service.FieldError `json:"fields,omitempty"`
	Detail map[string]any       `json:"detail,omitempty"`
}

// writeServiceError maps engine errors onto status codes. Anything unrecognised is
// logged and answered with a generic 500 so store or driver details never leak.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *service.ValidationError
		nf       *service.NotFoundError
		shortage *ledger.InsufficientStockError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Code: "validation_failed", Fields: verr.Fields})
	case errors.As(err, &shortage):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "insufficient stock",
			Code:  "insufficient_stock",
			Detail: map[string]any{
				"productId": shortage.ProductID,
				"available": shortage.Available,
				"requested": shortage.Requested,
			},
		})
	case errors.Is(err, store.ErrInsufficientStock):
		writeError(w, http.StatusBadRequest, "insufficient_stock", store.ErrInsufficientStock)
	case errors.Is(err, service.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "invalid_state", err)
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, "not_found", nf)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", store.ErrNotFound)
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", service.ErrConflict)
	case errors.Is(err, service.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, "timeout", service.ErrTimeout)
	case errors.Is(err, context.Canceled):
		// The client went away; there is nobody left to answer.
		a.logger.Debug("request canceled", zap.String("path", r.URL.Path))
	default:
		a.logger.Error("internal error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	// 4xx messages are meant for the client, and so is the fixed retry hint of a
	// 503. Other 5xx messages are not.
	msg := err.Error()
	if status >= 500 && status != http.StatusServiceUnavailable {
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
