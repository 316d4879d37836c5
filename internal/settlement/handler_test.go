package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/siteledger/siteledger/internal/platform/lock"
	_ "github.com/siteledger/siteledger/testing"
)

func newTestRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/settlement", NewHandler(nil, svc).MountRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerPaymentFlow(t *testing.T) {
	repo := newMemoryRepo(1)
	repo.put(directEntry(1, 5, 1, "1000"))
	repo.put(directEntry(2, 5, 10, "500"))
	svc, _ := newTestService(repo)
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/settlement/groups/1/payments", `{"site_id":5,"paid_on":"2025-12-05","amount":"1200"}`, "Idempotency-Key", "abc-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res struct {
		Rebuild struct {
			Changed int `json:"changed"`
		} `json:"rebuild"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 2, res.Rebuild.Changed)

	rec = do(t, h, http.MethodPost, "/settlement/groups/1/payments", `{"site_id":5,"paid_on":"2025-12-05","amount":"1200"}`, "Idempotency-Key", "abc-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = do(t, h, http.MethodGet, "/settlement/groups/1/scopes/5/violations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"violations":[]`)

	rec = do(t, h, http.MethodPost, "/settlement/groups/1/scopes/5/rebuild", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"changed":0`)

	rec = do(t, h, http.MethodGet, "/settlement/groups/1/scopes/5/statement", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"stale":0`)
}

func TestHandlerErrors(t *testing.T) {
	repo := newMemoryRepo(1)
	repo.put(directEntry(1, 5, 1, "10"))
	locker := lock.NewLocal()
	svc := NewService(repo, locker, nil, nil, nil, Config{})
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/settlement/groups/1/entries", `{"site_id":5,"occurred_on":"yesterday","total":"10"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/settlement/groups/1/entries", `{"site_id":5,"occurred_on":"2025-12-01","total":"10","extra":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/settlement/groups/1/entries", `{"occurred_on":"2025-12-01","total":"10","shared":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/settlement/groups/2/scopes/0/violations", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/settlement/groups/x/scopes/0/violations", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	release, err := locker.TryLock(context.Background(), lock.ScopeKey(1, 5), time.Minute)
	require.NoError(t, err)
	defer release(context.Background())
	rec = do(t, h, http.MethodPost, "/settlement/groups/1/scopes/5/rebuild", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerRecordSharedEntry(t *testing.T) {
	svc, _ := newTestService(newMemoryRepo(1))
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/settlement/groups/1/entries", `{"occurred_on":"2025-12-01","total":"90","shared":true,"weights":{"3":"1","4":"2"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res struct {
		Scopes []Scope `json:"scopes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Scopes, 3)

	rec = do(t, h, http.MethodGet, "/settlement/groups/1/scopes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"site_id":4`)
}
