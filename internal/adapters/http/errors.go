package http

import (
	"context"
	"net/http"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

// CodeLocked is surfaced when another session holds the token. It is a result inside the
// service and only becomes an error code at this boundary.
const CodeLocked = "LOCKED"

var statusByCode = map[string]int{
	"VALIDATION_ERROR":      http.StatusBadRequest,
	"UNAUTHORIZED":          http.StatusUnauthorized,
	"FORBIDDEN":             http.StatusForbidden,
	"NOT_OWNER":             http.StatusForbidden,
	"NOT_RECIPIENT":         http.StatusForbidden,
	"PROOF_REQUIRED":        http.StatusForbidden,
	"RISK_DENIED":           http.StatusForbidden,
	"COUNTERFEIT":           http.StatusForbidden,
	"NOT_FOUND":             http.StatusNotFound,
	"ALREADY_PENDING":       http.StatusConflict,
	"TOKEN_INACTIVE":        http.StatusConflict,
	"CONFLICT":              http.StatusConflict,
	"STALE":                 http.StatusConflict,
	"REPLAY":                http.StatusConflict,
	"SEQUENCE_ERROR":        http.StatusConflict,
	CodeLocked:              http.StatusConflict,
	"EXPIRED":               http.StatusGone,
	"PAYMENT_PENDING":       http.StatusPaymentRequired,
	"PROTOCOL_ERROR":        http.StatusUnprocessableEntity,
	"CARD_ERROR":            http.StatusUnprocessableEntity,
	"KEY_MISMATCH":          http.StatusUnprocessableEntity,
	"KEY_ROTATION_DISABLED": http.StatusUnprocessableEntity,
	"RATE_LIMITED":          http.StatusTooManyRequests,
	"STORE_UNAVAILABLE":     http.StatusServiceUnavailable,
}

// mapDomainError turns a service error into status, symbolic code and user message. Raw error
// text never reaches the response.
func mapDomainError(err error) (int, string, string) {
	code := domain.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
	return status, code, domain.UserMessage(err)
}

func writeMappedError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status, code, message := mapDomainError(err)
	fields := []any{
		"operation", operation,
		"outcome", "failure",
		"status_code", status,
		"error_code", code,
		"category", string(domain.CategoryOf(err)),
		"request_id", requestIDFromContext(ctx),
	}
	if status >= 500 {
		httpLogger().ErrorContext(ctx, "custody operation failed", append(fields, "error", err.Error())...)
	} else {
		httpLogger().WarnContext(ctx, "custody operation rejected", fields...)
	}
	writeError(w, status, code, message)
}
