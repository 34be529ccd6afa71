package entitlements_test

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

	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/entitlements"
	"github.com/brandsignal/batchworks/pkg/store"
)

func newTestPool(t *testing.T) *database.SharedPool {
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
	return shared
}

func seedProfile(t *testing.T, shared *database.SharedPool, wsID string, opts map[string]any) string {
	ctx := context.Background()
	profileID := uuid.New().String()

	promptCharLimit := 150
	if v, ok := opts["promptCharLimit"]; ok {
		promptCharLimit = v.(int)
	}

	_, err := shared.Pool.Exec(ctx, `
		INSERT INTO billing_profiles (
			id, current_plan, brands_limit, prompts_limit, models_limit,
			allowed_models, prompt_character_limit, job_frequency, prompts_used, prompts_reset_date
		) VALUES ($1, 'free', $2, $3, $4, $5, $6, $7, $8, $9)`,
		profileID, opts["brandsLimit"], opts["promptsLimit"], opts["modelsLimit"],
		opts["allowedModels"], promptCharLimit, opts["jobFrequency"], opts["promptsUsed"], opts["promptsResetDate"])
	require.NoError(t, err)

	_, err = shared.Pool.Exec(ctx, `INSERT INTO workspaces (id, display_name, billing_profile_id) VALUES ($1, $2, $3)`,
		wsID, wsID, profileID)
	require.NoError(t, err)
	return profileID
}

func TestCanCreate_AllowsUnderLimit(t *testing.T) {
	shared := newTestPool(t)
	svc := entitlements.NewService(store.NewBillingProfileRepo(shared.Pool), store.NewWorkspaceRepo(shared.Pool))

	seedProfile(t, shared, "acme", map[string]any{
		"brandsLimit": 4, "promptsLimit": 4, "modelsLimit": 1,
		"allowedModels": []string{"gpt-4o-mini"}, "jobFrequency": "daily", "promptsUsed": 0, "promptsResetDate": nil,
	})

	decision, err := svc.CanCreate(context.Background(), entitlements.ResourcePrompt, "acme")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 4, decision.Limit)
	assert.Equal(t, 0, decision.Used)
}

func TestCanCreate_DeniesAtLimit(t *testing.T) {
	shared := newTestPool(t)
	svc := entitlements.NewService(store.NewBillingProfileRepo(shared.Pool), store.NewWorkspaceRepo(shared.Pool))

	seedProfile(t, shared, "free-co", map[string]any{
		"brandsLimit": 1, "promptsLimit": 4, "modelsLimit": 1,
		"allowedModels": []string{"gpt-4o-mini"}, "jobFrequency": "monthly", "promptsUsed": 4,
		"promptsResetDate": time.Now().Add(20 * 24 * time.Hour),
	})

	decision, err := svc.CanCreate(context.Background(), entitlements.ResourcePrompt, "free-co")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "Prompt limit reached", decision.Reason)
	assert.Equal(t, 4, decision.Limit)
	assert.Equal(t, 4, decision.Used)
	require.NotNil(t, decision.ResetAt)
}

func TestCanCreate_ResetsElapsedMonthlyWindowBeforeChecking(t *testing.T) {
	shared := newTestPool(t)
	svc := entitlements.NewService(store.NewBillingProfileRepo(shared.Pool), store.NewWorkspaceRepo(shared.Pool))

	seedProfile(t, shared, "stale-window", map[string]any{
		"brandsLimit": 1, "promptsLimit": 4, "modelsLimit": 1,
		"allowedModels": []string{"gpt-4o-mini"}, "jobFrequency": "monthly", "promptsUsed": 4,
		"promptsResetDate": time.Now().Add(-24 * time.Hour),
	})

	decision, err := svc.CanCreate(context.Background(), entitlements.ResourcePrompt, "stale-window")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "an elapsed monthly window must reset usage before the limit check")
	assert.Equal(t, 0, decision.Used)
}

func TestCanCreatePrompt_AllowsPhraseExactlyAtCharacterLimit(t *testing.T) {
	shared := newTestPool(t)
	svc := entitlements.NewService(store.NewBillingProfileRepo(shared.Pool), store.NewWorkspaceRepo(shared.Pool))

	seedProfile(t, shared, "limit-exact", map[string]any{
		"brandsLimit": 4, "promptsLimit": 4, "modelsLimit": 1, "promptCharLimit": 10,
		"allowedModels": []string{"gpt-4o-mini"}, "jobFrequency": "daily", "promptsUsed": 0, "promptsResetDate": nil,
	})

	decision, err := svc.CanCreatePrompt(context.Background(), "limit-exact", "0123456789") // len == 10
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCanCreatePrompt_RejectsPhraseOneOverCharacterLimit(t *testing.T) {
	shared := newTestPool(t)
	svc := entitlements.NewService(store.NewBillingProfileRepo(shared.Pool), store.NewWorkspaceRepo(shared.Pool))

	seedProfile(t, shared, "limit-over", map[string]any{
		"brandsLimit": 4, "promptsLimit": 4, "modelsLimit": 1, "promptCharLimit": 10,
		"allowedModels": []string{"gpt-4o-mini"}, "jobFrequency": "daily", "promptsUsed": 0, "promptsResetDate": nil,
	})

	decision, err := svc.CanCreatePrompt(context.Background(), "limit-over", "0123456789X") // len == 11
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "prompt exceeds character limit", decision.Reason)
	assert.Equal(t, 10, decision.Limit)
	assert.Equal(t, 11, decision.Used)
}

func TestCanCreatePrompt_StillEnforcesThePromptCountLimitFirst(t *testing.T) {
	shared := newTestPool(t)
	svc := entitlements.NewService(store.NewBillingProfileRepo(shared.Pool), store.NewWorkspaceRepo(shared.Pool))

	seedProfile(t, shared, "limit-count", map[string]any{
		"brandsLimit": 4, "promptsLimit": 1, "modelsLimit": 1, "promptCharLimit": 150,
		"allowedModels": []string{"gpt-4o-mini"}, "jobFrequency": "daily", "promptsUsed": 1, "promptsResetDate": nil,
	})

	decision, err := svc.CanCreatePrompt(context.Background(), "limit-count", "short")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "Prompt limit reached", decision.Reason)
}

func TestMaybeResetUsage_AnchorsToFirstOfNextCalendarMonth(t *testing.T) {
	shared := newTestPool(t)
	billingRepo := store.NewBillingProfileRepo(shared.Pool)
	svc := entitlements.NewService(billingRepo, store.NewWorkspaceRepo(shared.Pool))

	profileID := seedProfile(t, shared, "calendar-anchor", map[string]any{
		"brandsLimit": 1, "promptsLimit": 4, "modelsLimit": 1,
		"allowedModels": []string{"gpt-4o-mini"}, "jobFrequency": "monthly", "promptsUsed": 4,
		"promptsResetDate": time.Now().Add(-24 * time.Hour),
	})

	profile, err := billingRepo.Get(context.Background(), profileID)
	require.NoError(t, err)

	reset, err := svc.MaybeResetUsage(context.Background(), *profile)
	require.NoError(t, err)
	require.True(t, reset)

	updated, err := billingRepo.Get(context.Background(), profileID)
	require.NoError(t, err)
	require.NotNil(t, updated.PromptsResetDate)

	now := time.Now().UTC()
	wantMonth := now.Month() + 1
	wantYear := now.Year()
	if wantMonth > 12 {
		wantMonth = 1
		wantYear++
	}
	got := updated.PromptsResetDate.UTC()
	assert.Equal(t, 1, got.Day(), "reset date must anchor to the 1st of the next calendar month, not now+1 month")
	assert.Equal(t, wantMonth, got.Month())
	assert.Equal(t, wantYear, got.Year())
}

func TestCanUseModel(t *testing.T) {
	shared := newTestPool(t)
	svc := entitlements.NewService(store.NewBillingProfileRepo(shared.Pool), store.NewWorkspaceRepo(shared.Pool))

	seedProfile(t, shared, "model-co", map[string]any{
		"brandsLimit": 1, "promptsLimit": 4, "modelsLimit": 1,
		"allowedModels": []string{"gpt-4o-mini"}, "jobFrequency": "daily", "promptsUsed": 0, "promptsResetDate": nil,
	})

	ok, err := svc.CanUseModel(context.Background(), "model-co", "gpt-4o-mini")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CanUseModel(context.Background(), "model-co", "gemini-1.5-pro")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrementAndDecrementUsage(t *testing.T) {
	shared := newTestPool(t)
	billingRepo := store.NewBillingProfileRepo(shared.Pool)
	svc := entitlements.NewService(billingRepo, store.NewWorkspaceRepo(shared.Pool))

	profileID := seedProfile(t, shared, "counters-co", map[string]any{
		"brandsLimit": 4, "promptsLimit": 4, "modelsLimit": 1,
		"allowedModels": []string{"gpt-4o-mini"}, "jobFrequency": "daily", "promptsUsed": 0, "promptsResetDate": nil,
	})

	require.NoError(t, svc.IncrementUsage(context.Background(), profileID, entitlements.ResourceBrand))
	require.NoError(t, svc.IncrementUsage(context.Background(), profileID, entitlements.ResourceBrand))
	require.NoError(t, svc.DecrementUsage(context.Background(), profileID, entitlements.ResourceBrand))

	profile, err := billingRepo.Get(context.Background(), profileID)
	require.NoError(t, err)
	assert.Equal(t, 1, profile.BrandsUsed)
}

func TestApplyPlan_IsIdempotentAcrossRepeatedApplications(t *testing.T) {
	shared := newTestPool(t)
	billingRepo := store.NewBillingProfileRepo(shared.Pool)
	svc := entitlements.NewService(billingRepo, store.NewWorkspaceRepo(shared.Pool))

	profileID := seedProfile(t, shared, "plan-co", map[string]any{
		"brandsLimit": 0, "promptsLimit": 0, "modelsLimit": 0,
		"allowedModels": []string{}, "jobFrequency": "daily", "promptsUsed": 0, "promptsResetDate": nil,
	})

	require.NoError(t, svc.ApplyPlan(context.Background(), profileID, "small"))
	first, err := billingRepo.Get(context.Background(), profileID)
	require.NoError(t, err)

	require.NoError(t, svc.ApplyPlan(context.Background(), profileID, "small"))
	second, err := billingRepo.Get(context.Background(), profileID)
	require.NoError(t, err)

	assert.Equal(t, first.BrandsLimit, second.BrandsLimit)
	assert.Equal(t, first.PromptsLimit, second.PromptsLimit)
	assert.Equal(t, first.ModelsLimit, second.ModelsLimit)
	assert.Equal(t, first.AllowedModels, second.AllowedModels)
	assert.Equal(t, first.JobFrequency, second.JobFrequency)
	assert.Equal(t, first.DataRetentionDays, second.DataRetentionDays)
	assert.Equal(t, "small", second.CurrentPlan)
}
