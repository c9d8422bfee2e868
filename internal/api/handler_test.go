package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ayo6706/account-eventsourcing/internal/account"
	"github.com/ayo6706/account-eventsourcing/internal/api"
	"github.com/ayo6706/account-eventsourcing/internal/api/handler"
	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/gateway"
	"github.com/ayo6706/account-eventsourcing/internal/registry"
	"github.com/ayo6706/account-eventsourcing/internal/repository"
	"github.com/ayo6706/account-eventsourcing/internal/service"
)

type testAPI struct {
	router chi.Router
	faulty *gateway.Faulty
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := repository.NewMemoryStore()

	reg := registry.New(func(ctx context.Context, id string) (*account.Aggregate, error) {
		return account.Load(ctx, id, store, account.WithLogger(logger))
	}, registry.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})

	accounts := service.NewAccountService(reg, service.WithAccountLogger(logger))
	faulty := gateway.NewFaulty(accounts)
	coordinator := service.NewTransferCoordinator(faulty, store,
		service.WithCoordinatorLogger(logger),
		service.WithCreditRetry(2, time.Millisecond))
	queries := service.NewQueryService(reg, nil)

	router := api.NewRouter(
		api.Options{PublicRateLimitRPS: 1000, AccountRateLimitRPS: 1000},
		logger,
		accounts,
		queries,
		coordinator,
		handler.NewHealthHandler(store, nil),
	)
	return &testAPI{router: router.Routes(), faulty: faulty}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestDepositWithdrawBalance(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodPost, "/v1/accounts/acc-1/deposit", map[string]any{"amount": "100.50"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "acc-1", body["account_id"])
	assert.Equal(t, float64(1), body["version"])

	w = a.do(t, http.MethodPost, "/v1/accounts/acc-1/withdraw", map[string]any{"amount": 0.5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, "/v1/accounts/acc-1/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, "100", body["balance"])
	assert.Equal(t, float64(2), body["version"])

	w = a.do(t, http.MethodGet, "/v1/accounts/acc-1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, string(domain.EventDeposited), history[0]["event_kind"])
	assert.Equal(t, string(domain.EventWithdrawn), history[1]["event_kind"])
	assert.Equal(t, float64(2), history[1]["sequence"])
}

func TestRFC7807ProblemDetails(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodPost, "/v1/accounts/acc-1/withdraw", map[string]any{"amount": "5"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")

	body := decodeBody(t, w)
	assert.Contains(t, body["type"], "account/insufficient-funds")
	assert.Equal(t, float64(http.StatusUnprocessableEntity), body["status"])
	assert.NotEmpty(t, body["title"])
	assert.NotEmpty(t, body["detail"])
	assert.Equal(t, "/v1/accounts/acc-1/withdraw", body["instance"])
	assert.NotEmpty(t, body["request_id"])
}

func TestInvalidRequests(t *testing.T) {
	a := setupAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		typ    string
	}{
		{"negative amount", http.MethodPost, "/v1/accounts/acc-1/deposit", map[string]any{"amount": "-1"}, http.StatusBadRequest, "account/invalid-amount"},
		{"too many decimals", http.MethodPost, "/v1/accounts/acc-1/deposit", map[string]any{"amount": "1.0000001"}, http.StatusBadRequest, "account/invalid-amount"},
		{"not a number", http.MethodPost, "/v1/accounts/acc-1/deposit", map[string]any{"amount": "abc"}, http.StatusBadRequest, "request/invalid-body"},
		{"unknown field", http.MethodPost, "/v1/accounts/acc-1/deposit", map[string]any{"amount": "1", "currency": "USD"}, http.StatusBadRequest, "request/invalid-body"},
		{"malformed account", http.MethodGet, "/v1/accounts/bad!id/balance", nil, http.StatusNotFound, "account/unknown-account"},
		{"missing transfer", http.MethodGet, "/v1/transfers/nope", nil, http.StatusNotFound, "transfer/not-found"},
		{"same account", http.MethodPost, "/v1/transfers", map[string]any{"from_account_id": "a", "to_account_id": "a", "amount": "1"}, http.StatusBadRequest, "transfer/same-account"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, decodeBody(t, w)["type"], tt.typ)
		})
	}
}

func TestTransferEndpoints(t *testing.T) {
	a := setupAPI(t)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/v1/accounts/ayo/deposit", map[string]any{"amount": "100"}).Code)

	req := map[string]any{"from_account_id": "ayo", "to_account_id": "david", "amount": "50"}
	w := a.do(t, http.MethodPost, "/v1/transfers", req, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "key-1", body["transfer_id"])
	assert.Equal(t, domain.TransferStatusCompleted, body["status"])

	// Resubmitting returns the recorded outcome without moving money again.
	w = a.do(t, http.MethodPost, "/v1/transfers", req, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.TransferStatusCompleted, decodeBody(t, w)["status"])

	w = a.do(t, http.MethodGet, "/v1/accounts/ayo/balance", nil)
	assert.Equal(t, "50", decodeBody(t, w)["balance"])
	w = a.do(t, http.MethodGet, "/v1/accounts/david/balance", nil)
	assert.Equal(t, "50", decodeBody(t, w)["balance"])

	w = a.do(t, http.MethodGet, "/v1/transfers/key-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, "ayo", body["from_account_id"])
	transitions, ok := body["transitions"].([]any)
	require.True(t, ok)
	assert.Len(t, transitions, 3)

	conflicting := map[string]any{"from_account_id": "ayo", "to_account_id": "david", "amount": "5"}
	w = a.do(t, http.MethodPost, "/v1/transfers", conflicting, "Idempotency-Key", "key-1")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeBody(t, w)["type"], "transfer/conflict")
}

func TestTransferFailureOutcomes(t *testing.T) {
	a := setupAPI(t)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/v1/accounts/a/deposit", map[string]any{"amount": "10"}).Code)

	w := a.do(t, http.MethodPost, "/v1/transfers", map[string]any{"transfer_id": "t-poor", "from_account_id": "a", "to_account_id": "b", "amount": "50"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body["type"], "account/insufficient-funds")
	assert.Equal(t, "t-poor", body["transfer_id"])

	a.faulty.FailNextCredits(2)
	w = a.do(t, http.MethodPost, "/v1/transfers", map[string]any{"transfer_id": "t-comp", "from_account_id": "a", "to_account_id": "b", "amount": "4"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decodeBody(t, w)
	assert.Equal(t, domain.TransferStatusFailed, body["status"])
	assert.NotEmpty(t, body["reason"])

	w = a.do(t, http.MethodGet, "/v1/accounts/a/balance", nil)
	assert.Equal(t, "10", decodeBody(t, w)["balance"])

	a.faulty.FailNextCredits(2)
	a.faulty.FailNextReversals(2)
	w = a.do(t, http.MethodPost, "/v1/transfers", map[string]any{"transfer_id": "t-stuck", "from_account_id": "a", "to_account_id": "b", "amount": "4"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	body = decodeBody(t, w)
	assert.Contains(t, body["type"], "transfer/pending-recovery")
	assert.Equal(t, "t-stuck", body["transfer_id"])
}

func TestHealthAndMetrics(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decodeBody(t, w)["status"])

	w = a.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTraceIDIsEchoed(t *testing.T) {
	a := setupAPI(t)

	w := a.do(t, http.MethodGet, "/health/live", nil, "X-Trace-ID", "trace-123")
	assert.Equal(t, "trace-123", w.Header().Get("X-Trace-ID"))

	w = a.do(t, http.MethodGet, "/health/live", nil)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
}
