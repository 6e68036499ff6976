package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orderflow/config"
	"orderflow/internal/domain/outbox"
	"orderflow/internal/handler"
	"orderflow/internal/redis"
	"orderflow/internal/repository"
	"orderflow/internal/repository/memory"
	"orderflow/internal/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type stubLimiter struct {
	allowed bool
	err     error
}

func (l stubLimiter) Allow(context.Context, string) (*redis.RateLimitResult, error) {
	if l.err != nil {
		return nil, l.err
	}
	return &redis.RateLimitResult{Allowed: l.allowed, Limit: 1, ResetIn: time.Minute}, nil
}

type testEnv struct {
	store  *memory.Store
	server *Server
	auth   *services.AuthService
}

func newTestEnv(t *testing.T, limiter stubLimiter, healthErr error) *testEnv {
	t.Helper()
	store := memory.NewStore()
	auth := services.NewAuthService(testSecret)
	orders := services.NewOrderService(store, store.Orders(), memory.NewDeduplicator(), nil)
	admin := services.NewOutboxAdminService(store, store.Outbox(), 2, nil)

	srv := New(&config.Config{AppPort: "0", AppMode: TestMode}, nil)
	srv.SetupRoutes(Handlers{
		Orders: handler.NewOrderHandler(orders),
		Outbox: handler.NewOutboxHandler(admin),
	}, RouteOptions{
		Auth:         auth,
		OrderLimiter: limiter,
		Health: map[string]HealthCheck{
			"database": func(context.Context) error { return healthErr },
		},
	})
	return &testEnv{store: store, server: srv, auth: auth}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) operatorToken(t *testing.T) string {
	t.Helper()
	token, err := e.auth.IssueOperatorToken("ops", time.Hour)
	require.NoError(t, err)
	return token
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var out envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPlaceAndGetOrder(t *testing.T) {
	env := newTestEnv(t, stubLimiter{allowed: true}, nil)

	rec := env.do(t, http.MethodPost, "/v1/orders", map[string]any{"customer_id": "c-1", "sku": "sku-1", "quantity": 2}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	var placed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &placed))
	assert.Equal(t, "PLACED", placed.Status)

	rec = env.do(t, http.MethodGet, "/v1/orders/"+placed.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	pending, err := env.store.Outbox().List(context.Background(), outbox.Filter{Status: outbox.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPlaceOrder_Errors(t *testing.T) {
	env := newTestEnv(t, stubLimiter{allowed: true}, nil)

	rec := env.do(t, http.MethodPost, "/v1/orders", map[string]any{"customer_id": "c-1", "sku": "sku-1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/orders/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/orders/"+uuid.NewString(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, rec).Code)

	env.store.InjectFault("outbox.create", errors.New("disk full"))
	rec = env.do(t, http.MethodPost, "/v1/orders", map[string]any{"customer_id": "c-1", "sku": "sku-1", "quantity": 1}, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestPlaceOrder_RateLimited(t *testing.T) {
	env := newTestEnv(t, stubLimiter{allowed: false}, nil)
	rec := env.do(t, http.MethodPost, "/v1/orders", map[string]any{"customer_id": "c-1", "sku": "sku-1", "quantity": 1}, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	env = newTestEnv(t, stubLimiter{err: errors.New("redis down")}, nil)
	rec = env.do(t, http.MethodPost, "/v1/orders", map[string]any{"customer_id": "c-1", "sku": "sku-1", "quantity": 1}, "")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestAdminRoutesRequireOperator(t *testing.T) {
	env := newTestEnv(t, stubLimiter{allowed: true}, nil)

	rec := env.do(t, http.MethodGet, "/v1/admin/outbox", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/admin/outbox", nil, "garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/admin/outbox/stats", nil, env.operatorToken(t))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRequeueFlow(t *testing.T) {
	env := newTestEnv(t, stubLimiter{allowed: true}, nil)
	token := env.operatorToken(t)

	rec := env.do(t, http.MethodPost, "/v1/orders", map[string]any{"customer_id": "c-1", "sku": "sku-1", "quantity": 1}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	pending, err := env.store.Outbox().List(context.Background(), outbox.Filter{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	rec = env.do(t, http.MethodPost, "/v1/admin/outbox/"+id.String()+"/requeue", nil, token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	repo := env.store.Outbox()
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		claimed, err := repo.Claim(context.Background(), repository.ClaimRequest{Owner: "t", Now: now, Limit: 10, MaxRetries: 2, LeaseFor: time.Minute})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, repo.MarkFailed(context.Background(), id, "t", repository.FailureUpdate{At: now, NextRetryAt: now, LastError: "no route"}))
	}

	rec = env.do(t, http.MethodGet, "/v1/admin/outbox?stuck=true", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	assert.Equal(t, 1, list.Count)

	rec = env.do(t, http.MethodGet, "/v1/admin/outbox/"+id.String(), nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stuck":true`)
	assert.Contains(t, rec.Body.String(), `"payload"`)

	rec = env.do(t, http.MethodPost, "/v1/admin/outbox/"+id.String()+"/requeue", nil, token)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/admin/outbox/stats", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Pending int64 `json:"pending"`
		Stuck   int64 `json:"stuck"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &stats))
	assert.Equal(t, int64(1), stats.Pending)
	assert.Zero(t, stats.Stuck)

	rec = env.do(t, http.MethodPost, "/v1/admin/outbox/"+id.String()+"/requeue", nil, token)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/admin/outbox/"+id.String(), nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"requeued_as"`)

	rec = env.do(t, http.MethodGet, "/v1/admin/outbox?status=bogus", nil, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, stubLimiter{allowed: true}, nil)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/metrics", nil, "").Code)

	env = newTestEnv(t, stubLimiter{allowed: true}, errors.New("connection refused"))
	rec := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
