package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

var errScopeMissing = errors.New("test: scope missing")

func TestRespondErrorUsesRegisteredClass(t *testing.T) {
	Register(errScopeMissing, ErrNotFound)

	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("rebuild: %w", errScopeMissing))

	require.Equal(t, http.StatusNotFound, rr.Code)
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Equal(t, "Not Found", problem.Title)
	require.Contains(t, problem.Detail, "scope missing")
}

func TestRespondErrorHidesUnknownErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("pg: connection reset"))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "connection reset")
}
