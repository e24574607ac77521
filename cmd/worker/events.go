package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/bus"
	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/storage"
)

type jobLoader interface {
	GetJob(ctx context.Context, id int) (model.JobMetadata, error)
	ListJobs(ctx context.Context) ([]model.JobMetadata, error)
}

type jobScheduler interface {
	Schedule(job model.JobMetadata)
	Unschedule(jobID int)
}

func subscribeEvents(sub *bus.Subscriber, jobs jobLoader, reg jobScheduler, logger *zap.Logger) error {
	for _, subject := range bus.JobSubjects {
		subject := subject
		_, err := sub.Subscribe(subject, func(evt bus.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := processJob(ctx, jobs, reg, subject, evt.JobID); err != nil {
				logger.Error("job event processing failed", zap.String("subject", subject), zap.Int("job_id", evt.JobID), zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// processJob applies one lifecycle event to the schedule.
func processJob(ctx context.Context, jobs jobLoader, reg jobScheduler, subject string, jobID int) error {
	switch subject {
	case bus.SubjectJobDisabled, bus.SubjectJobDeleted:
		reg.Unschedule(jobID)
		return nil
	}
	job, err := jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			reg.Unschedule(jobID)
		}
		return err
	}
	reg.Schedule(job)
	return nil
}

// reconcile schedules every active job in the store.
func reconcile(ctx context.Context, jobs jobLoader, reg jobScheduler) (int, error) {
	list, err := jobs.ListJobs(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range list {
		reg.Schedule(job)
	}
	return len(list), nil
}
