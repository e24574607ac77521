package execution

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/detection"
	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/metrics"
	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/query"
	"github.com/metamx/sherlock/internal/timeseries"
)

type Detector interface {
	Detect(ctx context.Context, cluster model.Cluster, job model.JobMetadata) ([]model.Anomaly, error)
	Fetch(ctx context.Context, q *query.Query, cluster model.Cluster) ([]*timeseries.TimeSeries, error)
	RunDetection(ctx context.Context, series []*timeseries.TimeSeries, job model.JobMetadata, expectedEndMinutes int64, g granularity.Granularity) ([]model.Anomaly, error)
}

type ClusterStore interface {
	GetCluster(ctx context.Context, id int) (model.Cluster, error)
}

type JobStore interface {
	PutJobMetadata(ctx context.Context, job model.JobMetadata) error
}

type ReportStore interface {
	PutAnomalyReports(ctx context.Context, reports []model.AnomalyReport) error
	DeleteAnomalyReports(ctx context.Context, jobID int, frequency granularity.Granularity, reportTime int64) error
}

type Unscheduler interface {
	Unschedule(jobID int)
}

type Emailer interface {
	SendEmail(ctx context.Context, owner string, to []string, reports []model.AnomalyReport) bool
}

type Pager interface {
	SendPager(ctx context.Context, owner string, keys []string, reports []model.AnomalyReport) bool
}

type Publisher interface {
	PublishReports(ctx context.Context, jobID int, reports []model.AnomalyReport) error
}

type Settings struct {
	ContinueOnError     bool
	EnableEmail         bool
	EnablePager         bool
	FailureEmail        string
	BackfillParallelism int
}

// Service executes jobs end to end: detection, report assembly,
// notification and persistence.
type Service struct {
	Detection Detector
	Clusters  ClusterStore
	Jobs      JobStore
	Reports   ReportStore
	Scheduler Unscheduler
	Emailer   Emailer
	Pager     Pager
	Publisher Publisher
	Settings  Settings
	Logger    *zap.Logger
	Now       func() time.Time
}

// Outcome is the final job state and the report set of one execution.
type Outcome struct {
	Job     model.JobMetadata
	Reports []model.AnomalyReport
	Err     error
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Execute runs one scheduled execution of job.
func (s *Service) Execute(ctx context.Context, job model.JobMetadata) Outcome {
	started := time.Now()
	log := s.logger().With(zap.Int("job_id", job.ID))
	log.Debug("executing job")
	job.Status = model.StatusRunning

	reports, err := s.detect(ctx, &job)
	failed := err != nil
	var seriesErrs detection.SeriesErrors
	if errors.As(err, &seriesErrs) {
		log.Warn("detection failed for some series", zap.Int("failed", len(seriesErrs)), zap.Error(err))
		reports = append(reports, ErrorReport(job, err.Error()))
		failed = false
	}
	if failed {
		log.Error("error while executing job", zap.Error(err))
		if !s.Settings.ContinueOnError {
			job.Status = model.StatusError
			log.Warn("unscheduling job")
			if s.Scheduler != nil {
				s.Scheduler.Unschedule(job.ID)
			}
		}
	} else if job.Status == model.StatusRunning {
		job.Status = model.StatusSuccess
	}

	if len(reports) == 0 {
		report := SingletonReport(job, "")
		if failed {
			report = ErrorReport(job, err.Error())
		}
		reports = append(reports, report)
		if report.Status == model.StatusError && s.Settings.EnableEmail && s.Emailer != nil {
			failure := []string{s.Settings.FailureEmail}
			if !s.Emailer.SendEmail(ctx, s.Settings.FailureEmail, failure, reports) {
				log.Error("error while sending failure email")
			}
		}
	} else {
		metrics.AnomaliesDetected.WithLabelValues(job.Granularity.String()).Add(float64(len(reports)))
		s.notifyOwner(ctx, job, reports, log)
	}

	if s.Jobs != nil {
		if perr := s.Jobs.PutJobMetadata(ctx, job); perr != nil {
			log.Error("error while persisting job status", zap.Error(perr))
		}
	}
	if s.Reports != nil {
		if perr := s.Reports.PutAnomalyReports(ctx, reports); perr != nil {
			log.Error("error while putting anomaly reports to database", zap.Error(perr))
		}
	}
	s.publish(ctx, job.ID, reports, log)

	metrics.JobRuns.WithLabelValues(string(job.Status)).Inc()
	metrics.JobDuration.WithLabelValues("execute").Observe(time.Since(started).Seconds())
	return Outcome{Job: job, Reports: reports, Err: err}
}

func (s *Service) detect(ctx context.Context, job *model.JobMetadata) ([]model.AnomalyReport, error) {
	cluster, err := s.Clusters.GetCluster(ctx, job.ClusterID)
	if err != nil {
		return nil, err
	}
	anomalies, err := s.Detection.Detect(ctx, cluster, *job)
	var seriesErrs detection.SeriesErrors
	if err != nil && !errors.As(err, &seriesErrs) {
		return nil, err
	}
	return Reports(anomalies, job), err
}

func (s *Service) notifyOwner(ctx context.Context, job model.JobMetadata, reports []model.AnomalyReport, log *zap.Logger) {
	if s.Settings.EnableEmail && s.Emailer != nil {
		log.Info("emailing anomaly report")
		if !s.Emailer.SendEmail(ctx, job.Owner, job.Emails(), reports) {
			log.Error("error while sending anomaly report email")
		}
	}
	keys := job.PagerKeys()
	if s.Settings.EnablePager && s.Pager != nil && len(keys) > 0 && hasAnomalies(reports) {
		log.Info("sending pager for an anomaly report")
		if !s.Pager.SendPager(ctx, job.Owner, keys, reports) {
			log.Error("error while sending pager")
		}
	}
}

func (s *Service) publish(ctx context.Context, jobID int, reports []model.AnomalyReport, log *zap.Logger) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.PublishReports(ctx, jobID, reports); err != nil {
		log.Warn("error while publishing reports", zap.Error(err))
	}
}
