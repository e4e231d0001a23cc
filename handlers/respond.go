package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"ctf-scoreboard/apperrors"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrDuplicateSolve):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrDanglingEventReference),
		errors.Is(err, apperrors.ErrInvalidScoringConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrUnstable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
