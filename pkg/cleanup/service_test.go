package cleanup_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/brandsignal/batchworks/pkg/cleanup"
	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/store"
)

func newTestEnv(t *testing.T) (*database.SharedPool, *database.WorkspaceConns) {
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

	return shared, wc
}

func TestService_PurgesPastRetentionWindowPreservesRecent(t *testing.T) {
	shared, wc := newTestEnv(t)
	ctx := context.Background()

	workspaceRepo := store.NewWorkspaceRepo(shared.Pool)
	billingRepo := store.NewBillingProfileRepo(shared.Pool)

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

	answers := store.NewAnswerRecordRepo(pool)
	oldID := uuid.New().String()
	newID := uuid.New().String()
	require.NoError(t, answers.Upsert(ctx, store.AnswerRecord{ID: oldID, CustomID: "old-answer"}))
	require.NoError(t, answers.Upsert(ctx, store.AnswerRecord{ID: newID, CustomID: "new-answer"}))

	_, err = pool.Exec(ctx, `UPDATE answer_records SET created_at = $1 WHERE custom_id = $2`,
		time.Now().AddDate(0, 0, -60), "old-answer")
	require.NoError(t, err)

	svc := cleanup.NewService(wc, workspaceRepo, billingRepo)
	require.NoError(t, svc.RunAll(ctx))

	var remaining []string
	rows, err := pool.Query(ctx, `SELECT custom_id FROM answer_records ORDER BY custom_id`)
	require.NoError(t, err)
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		remaining = append(remaining, id)
	}
	rows.Close()

	assert.Equal(t, []string{"new-answer"}, remaining)
}

func TestService_SkipsWorkspacesWithNoRetentionWindow(t *testing.T) {
	shared, wc := newTestEnv(t)
	ctx := context.Background()

	workspaceRepo := store.NewWorkspaceRepo(shared.Pool)
	billingRepo := store.NewBillingProfileRepo(shared.Pool)

	profileID := uuid.New().String()
	_, err := shared.Pool.Exec(ctx, `
		INSERT INTO billing_profiles (id, current_plan, data_retention_days)
		VALUES ($1, 'starter', 0)`, profileID)
	require.NoError(t, err)

	wsID := "no-retention"
	require.NoError(t, workspaceRepo.Create(ctx, store.Workspace{
		ID: wsID, DisplayName: "No Retention", BillingProfileID: profileID,
	}))

	pool, err := wc.Acquire(ctx, wsID)
	require.NoError(t, err)

	answers := store.NewAnswerRecordRepo(pool)
	require.NoError(t, answers.Upsert(ctx, store.AnswerRecord{ID: uuid.New().String(), CustomID: "kept"}))
	_, err = pool.Exec(ctx, `UPDATE answer_records SET created_at = $1`, time.Now().AddDate(-1, 0, 0))
	require.NoError(t, err)

	svc := cleanup.NewService(wc, workspaceRepo, billingRepo)
	require.NoError(t, svc.RunAll(ctx))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM answer_records`).Scan(&count))
	assert.Equal(t, 1, count)
}
