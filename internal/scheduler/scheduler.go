package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/execution"
	"github.com/metamx/sherlock/internal/metrics"
	"github.com/metamx/sherlock/internal/model"
)

var ErrQueueFull = errors.New("execution queue is full")

type Runner interface {
	Execute(ctx context.Context, job model.JobMetadata) execution.Outcome
}

// Registry keeps one ticker per scheduled job and feeds due executions to a
// fixed pool of workers.
type Registry struct {
	mu         sync.Mutex
	jobs       map[int]*entry
	queue      chan model.JobMetadata
	runner     Runner
	ctx        context.Context
	cancel     context.CancelFunc
	jobTimeout time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup

	// Now and Interval are overridable for tests.
	Now      func() time.Time
	Interval func(job model.JobMetadata) time.Duration
}

type entry struct {
	job  model.JobMetadata
	stop chan struct{}
}

type JobInfo struct {
	JobID     int    `json:"jobId"`
	Name      string `json:"name"`
	Frequency string `json:"frequency"`
	Owner     string `json:"owner"`
}

func NewRegistry(runner Runner, workers, queueSize int, jobTimeout time.Duration, logger *zap.Logger) *Registry {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg := &Registry{
		jobs:       map[int]*entry{},
		queue:      make(chan model.JobMetadata, queueSize),
		runner:     runner,
		ctx:        ctx,
		cancel:     cancel,
		jobTimeout: jobTimeout,
		logger:     logger,
		Now:        time.Now,
		Interval:   func(job model.JobMetadata) time.Duration { return job.Frequency.Duration() },
	}
	reg.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go reg.worker()
	}
	return reg
}

// Stop cancels every ticker and waits for in-flight executions to return.
func (r *Registry) Stop() {
	r.cancel()
	r.mu.Lock()
	for _, e := range r.jobs {
		close(e.stop)
	}
	r.jobs = map[int]*entry{}
	metrics.ScheduledJobs.Set(0)
	r.mu.Unlock()
	r.wg.Wait()
}

// Schedule starts ticking job, replacing any previous schedule for its ID.
func (r *Registry) Schedule(job model.JobMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	if existing, ok := r.jobs[job.ID]; ok {
		close(existing.stop)
	}
	e := &entry{job: job, stop: make(chan struct{})}
	r.jobs[job.ID] = e
	metrics.ScheduledJobs.Set(float64(len(r.jobs)))
	r.logger.Info("job scheduled", zap.Int("job_id", job.ID), zap.String("frequency", job.Frequency.String()))
	go r.runTicker(e)
}

func (r *Registry) Unschedule(jobID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[jobID]; ok {
		close(e.stop)
		delete(r.jobs, jobID)
		metrics.ScheduledJobs.Set(float64(len(r.jobs)))
		r.logger.Info("job unscheduled", zap.Int("job_id", jobID))
	}
}

func (r *Registry) ListJobs() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]JobInfo, 0, len(r.jobs))
	for id, e := range r.jobs {
		jobs = append(jobs, JobInfo{
			JobID:     id,
			Name:      e.job.Name,
			Frequency: e.job.Frequency.String(),
			Owner:     e.job.Owner,
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })
	return jobs
}

// Trigger queues an immediate execution of job at the current interval end.
func (r *Registry) Trigger(job model.JobMetadata) error {
	return r.enqueue(Due(job, r.Now()))
}

// Due stamps job with the interval end it should report on at now.
func Due(job model.JobMetadata, now time.Time) model.JobMetadata {
	end := job.Granularity.EndTimeForInterval(job.Lagged(now.UTC()))
	job.EffectiveQueryTime = end
	job.ReportNominalTime = end
	return job
}

func (r *Registry) enqueue(job model.JobMetadata) error {
	select {
	case r.queue <- job:
		metrics.QueueSize.Set(float64(len(r.queue)))
		return nil
	default:
		r.logger.Warn("dropping execution, queue is full", zap.Int("job_id", job.ID))
		return ErrQueueFull
	}
}

func (r *Registry) runTicker(e *entry) {
	ticker := time.NewTicker(r.Interval(e.job))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = r.enqueue(Due(e.job, r.Now()))
		case <-e.stop:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.queue:
			metrics.QueueSize.Set(float64(len(r.queue)))
			r.execute(job)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) execute(job model.JobMetadata) {
	ctx := context.Background()
	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.jobTimeout)
		defer cancel()
	}
	out := r.runner.Execute(ctx, job)
	r.logger.Debug("execution finished",
		zap.Int("job_id", job.ID),
		zap.String("status", string(out.Job.Status)),
		zap.Int("reports", len(out.Reports)))
}
