package httpapi

import (
	"context"
	"errors"
	"net/http"

	"banhang/backend/internal/store"
)

type errorCode string

const (
	codeValidation        errorCode = "VALIDATION_ERROR"
	codeUnknownProduct    errorCode = "UNKNOWN_PRODUCT"
	codeNotFound          errorCode = "NOT_FOUND"
	codeInsufficientStock errorCode = "INSUFFICIENT_STOCK"
	codeInvalidTransition errorCode = "INVALID_STATE_TRANSITION"
	codeRefundExceeded    errorCode = "REFUND_QUANTITY_EXCEEDED"
	codeSignatureMismatch errorCode = "SIGNATURE_MISMATCH"
	codeConflict          errorCode = "CONFLICT"
	codeInternal          errorCode = "INTERNAL_ERROR"
)

type errorMetadata struct {
	status int
	// publicMessage replaces the error text when details are not allowed.
	publicMessage  string
	detailsAllowed bool
}

var metadataByCode = map[errorCode]errorMetadata{
	codeValidation:        {status: http.StatusBadRequest, publicMessage: "validation failed", detailsAllowed: true},
	codeUnknownProduct:    {status: http.StatusUnprocessableEntity, publicMessage: "unknown product", detailsAllowed: true},
	codeNotFound:          {status: http.StatusNotFound, publicMessage: "resource not found", detailsAllowed: true},
	codeInsufficientStock: {status: http.StatusConflict, publicMessage: "insufficient stock", detailsAllowed: true},
	codeInvalidTransition: {status: http.StatusConflict, publicMessage: "state transition disallowed", detailsAllowed: true},
	codeRefundExceeded:    {status: http.StatusUnprocessableEntity, publicMessage: "refund quantity exceeded", detailsAllowed: true},
	codeSignatureMismatch: {status: http.StatusUnauthorized, publicMessage: "signature mismatch", detailsAllowed: false},
	codeConflict:          {status: http.StatusConflict, publicMessage: "conflict detected", detailsAllowed: false},
	codeInternal:          {status: http.StatusInternalServerError, publicMessage: "internal server error", detailsAllowed: false},
}

// classify maps service errors onto the public error codes. The order
// matters: UnknownOrderError also matches ErrNotFound.
func classify(err error) errorCode {
	switch {
	case errors.Is(err, store.ErrValidation):
		return codeValidation
	case errors.Is(err, store.ErrUnknownProduct):
		return codeUnknownProduct
	case errors.Is(err, store.ErrNotFound):
		return codeNotFound
	case errors.Is(err, store.ErrInsufficientStock):
		return codeInsufficientStock
	case errors.Is(err, store.ErrInvalidTransition):
		return codeInvalidTransition
	case errors.Is(err, store.ErrRefundExceeded):
		return codeRefundExceeded
	case errors.Is(err, store.ErrSignatureMismatch):
		return codeSignatureMismatch
	case errors.Is(err, store.ErrConflict):
		return codeConflict
	}
	return codeInternal
}

func errorDetails(err error) map[string]any {
	var stockErr *store.InsufficientStockError
	var refundErr *store.RefundQuantityExceededError
	var validationErr *store.ValidationError
	var transitionErr *store.InvalidStateTransitionError
	switch {
	case errors.As(err, &stockErr):
		return map[string]any{"product_id": stockErr.ProductID, "available": stockErr.Available}
	case errors.As(err, &refundErr):
		return map[string]any{
			"product_id": refundErr.ProductID,
			"purchased":  refundErr.Purchased,
			"refunded":   refundErr.Refunded,
			"requested":  refundErr.Requested,
		}
	case errors.As(err, &validationErr):
		if validationErr.Field == "" {
			return nil
		}
		return map[string]any{"field": validationErr.Field}
	case errors.As(err, &transitionErr):
		return map[string]any{"from": transitionErr.From, "to": transitionErr.To}
	}
	return nil
}

// writeServiceError renders err through the metadata table. 5xx details are
// logged and never sent to the client.
func (a *API) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	code := classify(err)
	meta := metadataByCode[code]

	body := map[string]any{"code": code}
	if meta.detailsAllowed {
		body["error"] = err.Error()
		if details := errorDetails(err); details != nil {
			body["details"] = details
		}
	} else {
		body["error"] = meta.publicMessage
	}

	if meta.status >= http.StatusInternalServerError {
		a.logg.Error(ctx, "request failed", err)
	}
	writeJSON(w, meta.status, body)
}
