package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mealmatch/realtime/internal/match"
	"github.com/mealmatch/realtime/internal/pairing"
	"github.com/mealmatch/realtime/internal/swipe"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func write(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	write(w, status, APIError{Error: message, Code: code})
}

// writeDomainError maps store and processor errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, swipe.ErrInvalidInput), errors.Is(err, pairing.ErrSelfPartner):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, pairing.ErrUserNotFound),
		errors.Is(err, swipe.ErrPartnerNotFound),
		errors.Is(err, swipe.ErrItemNotFound),
		errors.Is(err, match.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, pairing.ErrAlreadySwiped):
		writeError(w, http.StatusConflict, "ALREADY_SWIPED", err.Error())
	case errors.Is(err, pairing.ErrAlreadyPartnered):
		writeError(w, http.StatusConflict, "ALREADY_PARTNERED", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
