package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/poyrazK/quotagate/internal/core/domain"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error   string     `json:"error"`
	Message string     `json:"message"`
	ResetAt *time.Time `json:"resetAt,omitempty"`
}

// envelope wraps successful management responses.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Count   *int        `json:"count,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, title, message string) {
	writeJSON(w, status, errorResponse{Error: title, Message: message})
}

// writeError maps a domain error to its transport status. Internal causes are
// never echoed to the client.
func writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		log.Printf("unhandled error: %v", err)
		writeFailure(w, http.StatusInternalServerError, "Internal server error", "An unexpected error occurred")
		return
	}

	switch de.Kind {
	case domain.KindValidation:
		writeFailure(w, http.StatusBadRequest, "Validation failed", de.Message)
	case domain.KindAuthentication:
		writeFailure(w, http.StatusUnauthorized, "Authentication failed", de.Message)
	case domain.KindAuthorization:
		writeFailure(w, http.StatusNotFound, "Not found", "resource not found")
	case domain.KindNotFound:
		writeFailure(w, http.StatusNotFound, "Not found", de.Message)
	case domain.KindQuotaExceeded:
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Quota exceeded", Message: de.Message, ResetAt: de.ResetAt})
	case domain.KindConflict:
		writeFailure(w, http.StatusConflict, "Conflict", de.Message)
	default:
		log.Printf("internal error: %v", err)
		writeFailure(w, http.StatusInternalServerError, "Internal server error", "An unexpected error occurred")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("invalid request body: %v", err)
	}
	return nil
}
