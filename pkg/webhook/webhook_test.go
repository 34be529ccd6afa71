package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/kv"
	"github.com/brandsignal/batchworks/pkg/store"
	"github.com/brandsignal/batchworks/pkg/webhook"
)

func newTestEnv(t *testing.T) (*database.SharedPool, *database.WorkspaceConns, *kv.Client) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test", Database: "test",
		SSLMode: "disable", MaxConnsPerWorkspace: 5, MaxSharedConns: 5,
		ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute, WorkspaceIdleEvict: 5 * time.Minute,
	}

	shared, err := database.NewSharedPool(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(shared.Close)

	wc := database.NewWorkspaceConns(cfg)
	t.Cleanup(wc.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvClient := kv.NewFromClient(rdb, "test")

	return shared, wc, kvClient
}

func seedWorkspace(t *testing.T, shared *database.SharedPool, wsID string) {
	ctx := context.Background()
	profileID := uuid.New().String()
	_, err := shared.Pool.Exec(ctx, `INSERT INTO billing_profiles (id, current_plan) VALUES ($1, 'free')`, profileID)
	require.NoError(t, err)
	require.NoError(t, store.NewWorkspaceRepo(shared.Pool).Create(ctx, store.Workspace{
		ID: wsID, DisplayName: wsID, BillingProfileID: profileID,
	}))
}

func TestHandleBatchCompletion_RecordsNotificationAndResolvesBatchID(t *testing.T) {
	shared, wc, kvClient := newTestEnv(t)
	wsID := uuid.New().String()
	seedWorkspace(t, shared, wsID)

	ctx := context.Background()
	pool, err := wc.Acquire(ctx, wsID)
	require.NoError(t, err)

	batchID := uuid.New().String()
	require.NoError(t, store.NewBatchRepo(pool).Create(ctx, store.Batch{
		ID: batchID, Provider: "openai", ProviderBatchID: "batch_123",
		ModelID: "gpt-4o-mini", Status: store.BatchStatusInProgress, RequestCount: 1,
	}))

	srv := webhook.NewServer("https://example.com/hooks/batch-completion", shared, wc, kvClient, nil, nil)
	rec := httptest.NewRecorder()

	body, err := json.Marshal(map[string]string{
		"workspaceId":     wsID,
		"provider":        "openai",
		"providerBatchId": "batch_123",
		"outputRef":       "file-abc",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hooks/batch-completion", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	notifications, err := store.NewBatchNotificationRepo(pool).ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, batchID, notifications[0].BatchID)
	assert.Equal(t, "file-abc", notifications[0].OutputRef)
}

func TestHandleBatchCompletion_TolerantOfUnresolvableProviderBatchID(t *testing.T) {
	shared, wc, kvClient := newTestEnv(t)
	wsID := uuid.New().String()
	seedWorkspace(t, shared, wsID)

	srv := webhook.NewServer("", shared, wc, kvClient, nil, nil)
	rec := httptest.NewRecorder()

	body, err := json.Marshal(map[string]string{
		"workspaceId":     wsID,
		"provider":        "openai",
		"providerBatchId": "unknown-batch",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/batch-completion", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	ctx := context.Background()
	pool, err := wc.Acquire(ctx, wsID)
	require.NoError(t, err)
	notifications, err := store.NewBatchNotificationRepo(pool).ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Empty(t, notifications[0].BatchID)
}

func TestHandleBatchCompletion_RejectsMissingWorkspaceID(t *testing.T) {
	shared, wc, kvClient := newTestEnv(t)

	srv := webhook.NewServer("", shared, wc, kvClient, nil, nil)
	rec := httptest.NewRecorder()

	body, err := json.Marshal(map[string]string{"provider": "openai"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/batch-completion", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthz_ReportsHealthyWhenDependenciesUp(t *testing.T) {
	shared, wc, kvClient := newTestEnv(t)

	srv := webhook.NewServer("", shared, wc, kvClient, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}
