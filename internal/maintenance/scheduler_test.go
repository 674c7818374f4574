package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/zhijun2003/QingyunAI/internal/catalog"
	"github.com/zhijun2003/QingyunAI/internal/config"
	"github.com/zhijun2003/QingyunAI/internal/locks"
)

type fakeUsage struct {
	daily   atomic.Int32
	monthly atomic.Int32
	err     error
	started chan struct{}
	block   chan struct{}
}

func (f *fakeUsage) ResetDailyUsage(ctx context.Context) (int64, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.daily.Add(1)
	return 3, f.err
}

func (f *fakeUsage) ResetMonthlyUsage(context.Context) (int64, error) {
	f.monthly.Add(1)
	return 3, f.err
}

type fakeSyncer struct{ calls atomic.Int32 }

func (f *fakeSyncer) SyncAll(context.Context) ([]catalog.SyncOutcome, error) {
	f.calls.Add(1)
	return []catalog.SyncOutcome{{Success: true}, {Success: false, Error: "boom"}}, nil
}

func testConfig() config.MaintenanceConfig {
	return config.MaintenanceConfig{
		Enabled:      true,
		DailyReset:   "0 0 0 * * *",
		MonthlyReset: "0 0 0 1 * *",
		ModelSync:    "0 0 */6 * * *",
		JobTimeout:   time.Minute,
		LockTTL:      10 * time.Second,
		Timezone:     "Asia/Shanghai",
	}
}

func newLocker(t *testing.T) locks.Locker {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return locks.NewRedisLocker(client, "test")
}

func TestNewRegistersConfiguredJobs(t *testing.T) {
	s, err := New(testConfig(), &fakeUsage{}, &fakeSyncer{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{JobDailyReset, JobMonthlyReset, JobModelSync}, s.Jobs())

	cfg := testConfig()
	cfg.SkipModelSync = true
	s, err = New(cfg, &fakeUsage{}, &fakeSyncer{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{JobDailyReset, JobMonthlyReset}, s.Jobs())

	cfg = testConfig()
	cfg.Enabled = false
	s, err = New(cfg, &fakeUsage{}, &fakeSyncer{}, nil, nil)
	require.NoError(t, err)
	require.Empty(t, s.Jobs())
}

func TestNextRunUsesTimezone(t *testing.T) {
	s, err := New(testConfig(), &fakeUsage{}, nil, nil, nil)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	next, ok := s.Next(JobDailyReset)
	require.True(t, ok)
	local := next.In(time.FixedZone("CST", 8*3600))
	require.Equal(t, 0, local.Hour())
	require.Equal(t, 0, local.Minute())
}

func TestRunJob(t *testing.T) {
	usage := &fakeUsage{}
	syncer := &fakeSyncer{}
	s, err := New(testConfig(), usage, syncer, newLocker(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.RunJob(ctx, JobDailyReset))
	require.NoError(t, s.RunJob(ctx, JobDailyReset))
	require.NoError(t, s.RunJob(ctx, JobMonthlyReset))
	require.NoError(t, s.RunJob(ctx, JobModelSync))
	require.EqualValues(t, 2, usage.daily.Load())
	require.EqualValues(t, 1, usage.monthly.Load())
	require.EqualValues(t, 1, syncer.calls.Load())

	require.ErrorIs(t, s.RunJob(ctx, "vacuum"), ErrUnknownJob)
}

func TestRunJobPropagatesFailure(t *testing.T) {
	usage := &fakeUsage{err: errors.New("db down")}
	s, err := New(testConfig(), usage, nil, nil, nil)
	require.NoError(t, err)
	require.ErrorContains(t, s.RunJob(context.Background(), JobMonthlyReset), "db down")
	require.ErrorIs(t, s.RunJob(context.Background(), JobModelSync), ErrUnknownJob)
}

func TestRunJobSkipsWhileLockHeld(t *testing.T) {
	usage := &fakeUsage{started: make(chan struct{}, 1), block: make(chan struct{})}
	locker := newLocker(t)
	first, err := New(testConfig(), usage, nil, locker, nil)
	require.NoError(t, err)
	second, err := New(testConfig(), usage, nil, locker, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- first.RunJob(context.Background(), JobDailyReset) }()

	<-usage.started
	require.ErrorIs(t, second.RunJob(context.Background(), JobDailyReset), ErrSkipped)

	close(usage.block)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, usage.daily.Load())
}
