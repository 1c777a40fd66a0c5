package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTypeString(t *testing.T) {
	tests := []struct {
		jobType JobType
		want    string
	}{
		{JobTypeMaintenance, "maintenance"},
		{JobTypeCollection, "collection"},
		{JobType(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.jobType.String())
	}
}

func TestAddJob(t *testing.T) {
	s := NewScheduler(nil)
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, s.AddJob(JobTypeMaintenance, "0 6 * * *", noop))
	assert.True(t, s.Scheduled(JobTypeMaintenance))

	assert.Error(t, s.AddJob(JobTypeMaintenance, "@daily", noop))

	require.NoError(t, s.AddJob(JobTypeCollection, "", noop))
	assert.False(t, s.Scheduled(JobTypeCollection))

	assert.Error(t, s.AddJob(JobTypeCollection, "not a schedule", noop))
	assert.False(t, s.Scheduled(JobTypeCollection))
}

func TestRunJobSerializesJobs(t *testing.T) {
	s := NewScheduler(nil)

	var active, maxActive int32
	job := func(ctx context.Context) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.RunJob(JobTypeCollection, job)
		close(done)
	}()
	s.RunJob(JobTypeMaintenance, job)
	<-done

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestRunJobSurvivesFailure(t *testing.T) {
	s := NewScheduler(nil)
	calls := 0
	failing := func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	}

	s.RunJob(JobTypeMaintenance, failing)
	s.RunJob(JobTypeMaintenance, failing)
	assert.Equal(t, 2, calls)
}

func TestStopCancelsJobs(t *testing.T) {
	s := NewScheduler(nil)
	s.Start()

	var ranAfterStop atomic.Bool
	s.Stop()
	s.RunJob(JobTypeMaintenance, func(ctx context.Context) error {
		ranAfterStop.Store(true)
		return nil
	})
	assert.False(t, ranAfterStop.Load())
}

func TestScheduledJobFires(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	s := NewScheduler(nil)

	var runs atomic.Int32
	require.NoError(t, s.AddJob(JobTypeMaintenance, "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}
