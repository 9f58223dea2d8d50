package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dreamware/torua-audit/internal/auditmeta"
)

// StatusError is a non-2xx HTTP response. It unwraps to the audit error
// the status code stands for, so callers can match it with errors.Is.
type StatusError struct {
	URL     string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return errorForStatus(e.Code)
}

var statusErrors = []struct {
	err  error
	code int
}{
	{auditmeta.ErrTooManyRequests, http.StatusTooManyRequests},
	{auditmeta.ErrNotImplemented, http.StatusNotImplemented},
	{auditmeta.ErrNotFound, http.StatusNotFound},
	{auditmeta.ErrAuditStorageError, http.StatusConflict},
	{auditmeta.ErrInvalidRequest, http.StatusBadRequest},
	{auditmeta.ErrAuditCancelled, http.StatusGone},
	{auditmeta.ErrAuditStorageFailed, http.StatusServiceUnavailable},
}

// StatusForError maps an audit error to the HTTP status that carries it.
func StatusForError(err error) int {
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.code
		}
	}
	return http.StatusInternalServerError
}

func errorForStatus(code int) error {
	for _, se := range statusErrors {
		if se.code == code {
			return se.err
		}
	}
	return nil
}

// WriteError writes err with its mapped status code.
func WriteError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusForError(err))
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
