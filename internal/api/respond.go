package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/adhub/core-service/internal/domain"
	"github.com/adhub/core-service/pkg/logging"
)

const maxBodyBytes = 1 << 20

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrReconciliationMismatch):
		return http.StatusAccepted
	case errors.Is(err, domain.ErrExternalProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondWithDomainError writes err with its mapped status. Unexpected errors
// are logged and hidden from the caller.
func respondWithDomainError(w http.ResponseWriter, logger logging.Logger, r *http.Request, err error) {
	code := statusFor(err)

	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}

	if code == http.StatusInternalServerError {
		logger.WithFields(logging.Fields{
			"component": "api",
			"method":    r.Method,
			"path":      r.URL.Path,
		}).WithError(err).Error("request failed")
		respondWithError(w, code, "Internal Server Error")
		return
	}
	respondWithError(w, code, err.Error())
}

// decodeJSON reads a size-limited JSON body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
