// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"sync"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrDuplicate     = errors.New("duplicate entry")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrUnprocessable = errors.New("unprocessable")
)

type mapping struct {
	err    error
	status int
	title  string
}

var (
	mu       sync.RWMutex
	mappings = []mapping{
		{ErrNotFound, http.StatusNotFound, "Not Found"},
		{ErrDuplicate, http.StatusConflict, "Duplicate"},
		{ErrValidation, http.StatusBadRequest, "Validation Failed"},
		{ErrConflict, http.StatusConflict, "Conflict"},
		{ErrUnprocessable, http.StatusUnprocessableEntity, "Unprocessable"},
	}
)

// Register maps a package sentinel onto one of the httpx classes so handlers
// can call RespondError without knowing about every domain error.
func Register(domainErr, class error) {
	mu.Lock()
	defer mu.Unlock()
	for _, m := range mappings {
		if m.err == class {
			mappings = append([]mapping{{domainErr, m.status, m.title}}, mappings...)
			return
		}
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	mu.RLock()
	defer mu.RUnlock()
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			Problem(w, m.status, m.title, err.Error())
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
