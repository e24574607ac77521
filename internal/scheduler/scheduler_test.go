package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/execution"
	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
)

type recordingRunner struct {
	mu   sync.Mutex
	runs []model.JobMetadata
	done chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{done: make(chan struct{}, 64)}
}

func (r *recordingRunner) Execute(ctx context.Context, job model.JobMetadata) execution.Outcome {
	r.mu.Lock()
	r.runs = append(r.runs, job)
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	return execution.Outcome{Job: job}
}

func (r *recordingRunner) wait(t *testing.T) model.JobMetadata {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not called")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[len(r.runs)-1]
}

var clock = time.Date(2021, 1, 2, 5, 37, 0, 0, time.UTC)

func newTestRegistry(runner Runner, interval time.Duration) *Registry {
	reg := NewRegistry(runner, 2, 4, time.Second, zap.NewNop())
	reg.Now = func() time.Time { return clock }
	reg.Interval = func(model.JobMetadata) time.Duration { return interval }
	return reg
}

func hourly(id int) model.JobMetadata {
	return model.JobMetadata{ID: id, Name: "orders", Granularity: granularity.Hour, Frequency: granularity.Hour, HoursOfLag: 2}
}

func TestScheduleAndUnschedule(t *testing.T) {
	reg := newTestRegistry(newRecordingRunner(), time.Hour)
	defer reg.Stop()

	reg.Schedule(hourly(2))
	reg.Schedule(hourly(1))
	reg.Schedule(hourly(2))
	jobs := reg.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, 1, jobs[0].JobID)
	assert.Equal(t, "hour", jobs[0].Frequency)

	reg.Unschedule(1)
	reg.Unschedule(42)
	jobs = reg.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].JobID)
}

func TestTickStampsLaggedIntervalEnd(t *testing.T) {
	runner := newRecordingRunner()
	reg := newTestRegistry(runner, 10*time.Millisecond)
	defer reg.Stop()

	reg.Schedule(hourly(5))
	job := runner.wait(t)
	want := time.Date(2021, 1, 2, 3, 0, 0, 0, time.UTC).Unix() / 60
	assert.Equal(t, 5, job.ID)
	assert.Equal(t, want, job.EffectiveQueryTime)
	assert.Equal(t, want, job.ReportNominalTime)
}

func TestTriggerRunsImmediately(t *testing.T) {
	runner := newRecordingRunner()
	reg := newTestRegistry(runner, time.Hour)
	defer reg.Stop()

	job := hourly(9)
	job.Granularity = granularity.Day
	job.HoursOfLag = 0
	require.NoError(t, reg.Trigger(job))
	got := runner.wait(t)
	assert.Equal(t, time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC).Unix()/60, got.EffectiveQueryTime)
}

func TestStopIgnoresLaterSchedules(t *testing.T) {
	reg := newTestRegistry(newRecordingRunner(), time.Hour)
	reg.Schedule(hourly(1))
	reg.Stop()
	assert.Empty(t, reg.ListJobs())
	reg.Schedule(hourly(2))
	assert.Empty(t, reg.ListJobs())
}
