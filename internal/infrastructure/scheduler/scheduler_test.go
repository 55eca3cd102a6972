package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/pkg/logger"
)

type fakeJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (j *fakeJob) Name() string        { return j.name }
func (j *fakeJob) Description() string { return "test job " + j.name }
func (j *fakeJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

type recordingObserver struct {
	mu   sync.Mutex
	runs map[string][]bool
}

func (o *recordingObserver) JobFinished(job string, success bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs == nil {
		o.runs = make(map[string][]bool)
	}
	o.runs[job] = append(o.runs[job], success)
}

func newTestScheduler() *Scheduler {
	return NewScheduler(SchedulerConfig{Logger: logger.Nop(), MaxHistorySize: 3})
}

func TestRegister(t *testing.T) {
	s := newTestScheduler()

	require.NoError(t, s.Register(&fakeJob{name: "a"}, "@every 1h"))
	require.NoError(t, s.Register(&fakeJob{name: "b"}, "0 3 * * *"))

	assert.ErrorIs(t, s.Register(&fakeJob{name: "a"}, "@hourly"), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(&fakeJob{name: "c"}, "every tuesday"), ErrInvalidSchedule)
	assert.ErrorIs(t, s.Register(nil, "@hourly"), ErrNilJob)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "@every 1h", jobs[0].Schedule)
}

func TestRunNow_RecordsResults(t *testing.T) {
	obs := &recordingObserver{}
	s := NewScheduler(SchedulerConfig{Logger: logger.Nop(), MaxHistorySize: 3, Observer: obs})
	ok := &fakeJob{name: "ok"}
	bad := &fakeJob{name: "bad", err: errors.New("boom")}
	require.NoError(t, s.Register(ok, "@hourly"))
	require.NoError(t, s.Register(bad, "@hourly"))

	res, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Manual)

	_, err = s.RunNow(context.Background(), "bad")
	assert.EqualError(t, err, "boom")

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Equal(t, map[string][]bool{"ok": {true}, "bad": {false}}, obs.runs)

	for _, info := range s.ListJobs() {
		require.NotNil(t, info.LastResult)
		assert.Equal(t, int64(1), info.RunCount)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	s := newTestScheduler()
	job := &fakeJob{name: "j"}
	require.NoError(t, s.Register(job, "@hourly"))

	for i := 0; i < 5; i++ {
		_, err := s.RunNow(context.Background(), "j")
		require.NoError(t, err)
	}
	assert.Len(t, s.GetHistory(0), 3)
	assert.Len(t, s.GetHistory(2), 2)
}

func TestStartStop_RunsOnSchedule(t *testing.T) {
	s := newTestScheduler()
	job := &fakeJob{name: "tick"}
	require.NoError(t, s.Register(job, "@every 1s"))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	assert.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestStop_CancelsRunningJob(t *testing.T) {
	s := newTestScheduler()
	job := &fakeJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, "@every 1s"))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return job.runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop())

	history := s.GetHistory(0)
	require.NotEmpty(t, history)
	assert.ErrorIs(t, history[len(history)-1].Error, context.Canceled)
}
