package router_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	batchworksconfig "github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/jobnames"
	"github.com/brandsignal/batchworks/pkg/router"
	"github.com/brandsignal/batchworks/pkg/scheduler"
	"github.com/brandsignal/batchworks/pkg/store"
)

func newTestEnv(t *testing.T) (database.Config, *database.SharedPool, *database.WorkspaceConns) {
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
		Host:                 host,
		Port:                 port.Int(),
		User:                 "test",
		Password:             "test",
		Database:             "test",
		SSLMode:              "disable",
		MaxConnsPerWorkspace: 5,
		MaxSharedConns:       5,
		ConnMaxLifetime:      time.Hour,
		ConnMaxIdleTime:      15 * time.Minute,
		WorkspaceIdleEvict:   5 * time.Minute,
	}

	shared, err := database.NewSharedPool(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(shared.Close)

	wc := database.NewWorkspaceConns(cfg)
	t.Cleanup(wc.Close)

	return cfg, shared, wc
}

func TestRouter_DispatchesMatchingRowChangeToEnqueuedJob(t *testing.T) {
	ctx := context.Background()
	cfg, shared, wc := newTestEnv(t)

	workspaceRepo := store.NewWorkspaceRepo(shared.Pool)
	ruleRepo := store.NewListenerRuleRepo(shared.Pool)

	profileID := uuid.New().String()
	_, err := shared.Pool.Exec(ctx, `
		INSERT INTO billing_profiles (id, current_plan, data_retention_days)
		VALUES ($1, 'starter', 30)`, profileID)
	require.NoError(t, err)

	wsID := "acme"
	require.NoError(t, workspaceRepo.Create(ctx, store.Workspace{
		ID: wsID, DisplayName: "Acme", BillingProfileID: profileID,
	}))

	pool, err := wc.Acquire(ctx, wsID)
	require.NoError(t, err)

	require.NoError(t, ruleRepo.Create(ctx, store.ListenerRule{
		ID:          uuid.New().String(),
		WorkspaceID: wsID,
		TargetTable: "batches",
		Operations:  []string{"INSERT"},
		JobName:     string(jobnames.ProcessBatch),
		Active:      true,
		Filter:      map[string]any{},
		Metadata:    map[string]any{},
	}))

	sched := scheduler.New(shared.Pool, batchworksconfig.SchedulerConfig{
		MaxConcurrency:      2,
		PollInterval:        20 * time.Millisecond,
		PollIntervalJitter:  5 * time.Millisecond,
		DefaultLockLifetime: 2 * time.Second,
		OrphanSweepInterval: time.Hour,
	}, "test-instance")

	received := make(chan map[string]any, 1)
	sched.DefineJob(jobnames.ProcessBatch, scheduler.JobOptions{Concurrency: 1}, func(ctx context.Context, h scheduler.Handle, payload json.RawMessage) error {
		var body map[string]any
		if err := json.Unmarshal(payload, &body); err != nil {
			return err
		}
		received <- body
		return nil
	})
	sched.Start(ctx)
	defer sched.Stop()

	rt := router.New(cfg, batchworksconfig.RouterConfig{
		ReconcileInterval: 200 * time.Millisecond,
		HeartbeatInterval: 200 * time.Millisecond,
		MaxPoolSize:       20,
		ListenTimeout:      10 * time.Second,
	}, ruleRepo, sched, "test-instance")
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	require.Eventually(t, func() bool {
		_, err := pool.Exec(ctx, `
			INSERT INTO batches (id, provider, provider_batch_id, model_id, status)
			VALUES ($1, 'openai', 'batch_123', 'gpt-4o', 'pending')`, uuid.New().String())
		return err == nil
	}, 3*time.Second, 50*time.Millisecond, "router must have an open stream before the insert lands")

	select {
	case body := <-received:
		assert.Equal(t, "batches", body["table"])
		assert.Equal(t, "INSERT", body["op"])
		assert.Equal(t, wsID, body["workspace_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("expected row change to be dispatched to the registered job")
	}
}

func TestRouter_InactiveRuleDoesNotDispatch(t *testing.T) {
	ctx := context.Background()
	cfg, shared, wc := newTestEnv(t)

	workspaceRepo := store.NewWorkspaceRepo(shared.Pool)
	ruleRepo := store.NewListenerRuleRepo(shared.Pool)

	profileID := uuid.New().String()
	_, err := shared.Pool.Exec(ctx, `
		INSERT INTO billing_profiles (id, current_plan, data_retention_days)
		VALUES ($1, 'starter', 30)`, profileID)
	require.NoError(t, err)

	wsID := "inactive-co"
	require.NoError(t, workspaceRepo.Create(ctx, store.Workspace{
		ID: wsID, DisplayName: "Inactive Co", BillingProfileID: profileID,
	}))

	_, err = wc.Acquire(ctx, wsID)
	require.NoError(t, err)

	require.NoError(t, ruleRepo.Create(ctx, store.ListenerRule{
		ID:          uuid.New().String(),
		WorkspaceID: wsID,
		TargetTable: "batches",
		Operations:  []string{"INSERT"},
		JobName:     string(jobnames.ProcessBatch),
		Active:      false,
		Filter:      map[string]any{},
		Metadata:    map[string]any{},
	}))

	sched := scheduler.New(shared.Pool, batchworksconfig.SchedulerConfig{
		MaxConcurrency:      2,
		PollInterval:        20 * time.Millisecond,
		DefaultLockLifetime: 2 * time.Second,
		OrphanSweepInterval: time.Hour,
	}, "test-instance")

	var ran bool
	sched.DefineJob(jobnames.ProcessBatch, scheduler.JobOptions{Concurrency: 1}, func(ctx context.Context, h scheduler.Handle, payload json.RawMessage) error {
		ran = true
		return nil
	})
	sched.Start(ctx)
	defer sched.Stop()

	rt := router.New(cfg, batchworksconfig.RouterConfig{
		ReconcileInterval: 200 * time.Millisecond,
		HeartbeatInterval: 200 * time.Millisecond,
		MaxPoolSize:       20,
		ListenTimeout:      10 * time.Second,
	}, ruleRepo, sched, "test-instance")
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	time.Sleep(500 * time.Millisecond)
	assert.False(t, ran, "an inactive rule must not dispatch jobs")
}
