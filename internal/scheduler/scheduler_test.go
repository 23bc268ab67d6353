package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsRegisteredJob(t *testing.T) {
	t.Parallel()

	s := New(nil, time.Second)
	var runs atomic.Int32
	require.NoError(t, s.AddJob("@every 1s", JobFunc{JobName: "count", Fn: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	s.Start()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	s := New(nil, 0)
	err := s.AddJob("not a schedule", JobFunc{JobName: "bad", Fn: func(context.Context) error { return nil }})
	require.Error(t, err)
}

func TestRunNowAppliesTimeout(t *testing.T) {
	t.Parallel()

	s := New(nil, 10*time.Millisecond)
	err := s.RunNow(JobFunc{JobName: "slow", Fn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStopCancelsJobContext(t *testing.T) {
	t.Parallel()

	s := New(nil, 0)
	require.NoError(t, s.Stop(context.Background()))
	err := s.RunNow(JobFunc{JobName: "after-stop", Fn: func(ctx context.Context) error { return ctx.Err() }})
	require.ErrorIs(t, err, context.Canceled)
}
