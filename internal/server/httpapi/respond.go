package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/envsync/envsync/internal/common"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// respondServiceError maps sentinel errors from the service layer onto HTTP
// status codes. Conflict detection never reaches this path: a detected
// conflict is a result, not an error.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrRefreshTokenExpired):
		respondError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, common.ErrorNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, common.ErrInvalidResolution):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, common.ErrTransport):
		respondError(w, http.StatusBadGateway, "remote store unavailable")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
