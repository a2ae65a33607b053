package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"loop-library/internal/lifecycle"
	"loop-library/internal/validation"
)

// Envelope is the response body of every mutation and every error.
type Envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	ID      string            `json:"id,omitempty"`
	Errors  validation.Errors `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: message})
}

// WriteFailure writes an error envelope with an explicit status. Middleware
// uses it so throttled and blocked requests share the API shape.
func WriteFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Success: false, Message: message})
}

// writeError maps a lifecycle error to its status and client-facing message.
// Causes never reach the body.
func writeError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	writeJSON(w, status, Envelope{
		Success: false,
		Message: lifecycle.Message(err, http.StatusText(status)),
		Errors:  lifecycle.FieldErrors(err),
	})
}

// StatusForError returns the HTTP status for a lifecycle error kind.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, lifecycle.ErrValidation), errors.Is(err, lifecycle.ErrCaptcha):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotConfirmed):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, lifecycle.ErrMedia):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSONAllowUnknown decodes an optional JSON body. Moderation tools post
// the whole submission document back, so unknown fields are ignored. An empty
// body leaves dest untouched.
func decodeJSONAllowUnknown(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
