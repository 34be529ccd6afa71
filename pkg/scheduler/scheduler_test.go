package scheduler_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/brandsignal/batchworks/pkg/config"
	"github.com/brandsignal/batchworks/pkg/database"
	"github.com/brandsignal/batchworks/pkg/jobnames"
	"github.com/brandsignal/batchworks/pkg/scheduler"
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
	return shared
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxConcurrency:      2,
		PollInterval:        20 * time.Millisecond,
		PollIntervalJitter:  5 * time.Millisecond,
		DefaultLockLifetime: 2 * time.Second,
		OrphanSweepInterval: time.Hour,
	}
}

func TestScheduler_EnqueueClaimAndRun(t *testing.T) {
	shared := newTestPool(t)
	ctx := context.Background()

	s := scheduler.New(shared.Pool, testSchedulerConfig(), "test-instance")

	var ran int32
	var gotPayload string
	done := make(chan struct{})

	s.DefineJob(jobnames.Name("noop"), scheduler.JobOptions{Concurrency: 1}, func(ctx context.Context, h scheduler.Handle, payload json.RawMessage) error {
		var body struct {
			Greeting string `json:"greeting"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return err
		}
		gotPayload = body.Greeting
		atomic.AddInt32(&ran, 1)
		close(done)
		return nil
	})

	err := s.Enqueue(ctx, jobnames.Name("noop"), map[string]string{"greeting": "hello"}, scheduler.EnqueueOptions{UniqueKey: "only"})
	require.NoError(t, err)

	s.Start(ctx)
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Equal(t, "hello", gotPayload)
}

func TestScheduler_EnqueueSameUniqueKeyUpdatesNotDuplicates(t *testing.T) {
	shared := newTestPool(t)
	ctx := context.Background()

	s := scheduler.New(shared.Pool, testSchedulerConfig(), "test-instance")
	s.DefineJob(jobnames.Name("dup"), scheduler.JobOptions{Concurrency: 1}, func(ctx context.Context, h scheduler.Handle, payload json.RawMessage) error {
		return nil
	})

	require.NoError(t, s.Enqueue(ctx, jobnames.Name("dup"), map[string]string{"v": "1"}, scheduler.EnqueueOptions{UniqueKey: "k"}))
	require.NoError(t, s.Enqueue(ctx, jobnames.Name("dup"), map[string]string{"v": "2"}, scheduler.EnqueueOptions{UniqueKey: "k"}))

	var count int
	err := shared.Pool.QueryRow(ctx, `SELECT count(*) FROM scheduled_jobs WHERE name = $1 AND unique_key = $2`, "dup", "k").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var payload []byte
	err = shared.Pool.QueryRow(ctx, `SELECT payload FROM scheduled_jobs WHERE name = $1 AND unique_key = $2`, "dup", "k").Scan(&payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"2"}`, string(payload))
}

func TestScheduler_RepeatingJobAdvancesNextRunAt(t *testing.T) {
	shared := newTestPool(t)
	ctx := context.Background()

	s := scheduler.New(shared.Pool, testSchedulerConfig(), "test-instance")

	var runs int32
	s.DefineJob(jobnames.Name("tick"), scheduler.JobOptions{Concurrency: 1}, func(ctx context.Context, h scheduler.Handle, payload json.RawMessage) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	require.NoError(t, s.Enqueue(ctx, jobnames.Name("tick"), map[string]string{}, scheduler.EnqueueOptions{
		UniqueKey:   "only",
		RepeatEvery: 50 * time.Millisecond,
	}))

	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	var nextRunAt time.Time
	err := shared.Pool.QueryRow(ctx, `SELECT next_run_at FROM scheduled_jobs WHERE name = 'tick'`).Scan(&nextRunAt)
	require.NoError(t, err)
	assert.True(t, nextRunAt.After(time.Now().Add(-time.Minute)))
}

func TestScheduler_PerJobConcurrencyIsEnforced(t *testing.T) {
	shared := newTestPool(t)
	ctx := context.Background()

	cfg := testSchedulerConfig()
	cfg.MaxConcurrency = 4
	s := scheduler.New(shared.Pool, cfg, "test-instance")

	var concurrent, maxSeen int32
	release := make(chan struct{})

	s.DefineJob(jobnames.Name("slow"), scheduler.JobOptions{Concurrency: 1, LockLifetime: time.Minute}, func(ctx context.Context, h scheduler.Handle, payload json.RawMessage) error {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&concurrent, -1)
		return nil
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(ctx, jobnames.Name("slow"), map[string]string{}, scheduler.EnqueueOptions{UniqueKey: string(rune('a' + i))}))
	}

	s.Start(ctx)
	defer func() {
		close(release)
		s.Stop()
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&concurrent) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(1))
}

func TestScheduler_HealthReportsQueueDepth(t *testing.T) {
	shared := newTestPool(t)
	ctx := context.Background()

	s := scheduler.New(shared.Pool, testSchedulerConfig(), "test-instance")
	s.DefineJob(jobnames.Name("pending"), scheduler.JobOptions{Concurrency: 1}, func(ctx context.Context, h scheduler.Handle, payload json.RawMessage) error {
		return nil
	})

	require.NoError(t, s.Enqueue(ctx, jobnames.Name("pending"), map[string]string{}, scheduler.EnqueueOptions{
		RunAt:     time.Now().Add(-time.Minute),
		UniqueKey: "a",
	}))

	h := s.Health(ctx)
	assert.Empty(t, h.DBError)
	assert.Equal(t, 1, h.QueueDepth)
}
