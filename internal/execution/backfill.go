package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/metamx/sherlock/internal/detection"
	"github.com/metamx/sherlock/internal/metrics"
	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/query"
	"github.com/metamx/sherlock/internal/timeseries"
)

const defaultBackfillParallelism = 8

var ErrWindowTooSmall = errors.New("backfill interval cannot be smaller than granularity")

// BackfillFromIntervalEnd backfills from the job's last reported interval up to now.
func (s *Service) BackfillFromIntervalEnd(ctx context.Context, job model.JobMetadata) ([]model.AnomalyReport, error) {
	start := time.Unix(job.ReportNominalTime*60, 0).UTC()
	return s.Backfill(ctx, job, start, nil)
}

// Backfill re-runs detection for every granularity step between start and
// end. The store is queried once; each step is evaluated by its own task on a
// slice of the result, and the joined reports are persisted once.
func (s *Service) Backfill(ctx context.Context, job model.JobMetadata, start time.Time, end *time.Time) ([]model.AnomalyReport, error) {
	started := time.Now()
	g := job.Granularity
	rangeSize := job.Range()
	step := int64(g.Minutes())
	stop := job.Lagged(s.now())
	if end != nil {
		stop = *end
	}
	intervalEnd := g.EndTimeForInterval(stop) + step*int64(rangeSize-1)
	windowStart := g.EndTimeForInterval(start) + step*int64(rangeSize-1)
	if intervalEnd-windowStart < step {
		return nil, fmt.Errorf("%w: %d to %d", ErrWindowTooSmall, windowStart, intervalEnd)
	}
	intervals := job.Intervals()

	p := query.NewParams(job.Query, g)
	p.GranularityRange = rangeSize
	p.Start = g.SubtractIntervals(time.Unix(windowStart*60, 0), intervals, rangeSize)
	p.End = time.Unix(intervalEnd*60, 0)
	p.Backfill = true
	q, err := query.Build(p)
	if err != nil {
		return nil, err
	}

	log := s.logger().With(zap.Int("job_id", job.ID))
	log.Info("performing backfill",
		zap.String("granularity", g.String()),
		zap.Time("from", time.Unix(windowStart*60, 0).UTC()),
		zap.Time("to", time.Unix(intervalEnd*60, 0).UTC()),
		zap.Time("query_start", q.Start()))

	cluster, err := s.Clusters.GetCluster(ctx, job.ClusterID)
	if err != nil {
		return nil, err
	}
	series, err := s.Detection.Fetch(ctx, q, cluster)
	if err != nil {
		return nil, err
	}

	count := int((intervalEnd - windowStart) / step)
	firstExpected := windowStart + step - step*int64(rangeSize)
	lookback := int64(intervals*rangeSize) * step * 60
	slices := timeseries.Subseries(series, firstExpected*60, step*60, count, lookback)

	limit := s.Settings.BackfillParallelism
	if limit < 1 {
		limit = defaultBackfillParallelism
	}
	results := make([][]model.AnomalyReport, count)
	var group errgroup.Group
	group.SetLimit(limit)
	for k := 0; k < count; k++ {
		task := job
		task.EffectiveQueryTime = windowStart + int64(k+1)*step
		task.ReportNominalTime = task.EffectiveQueryTime
		expected := firstExpected + int64(k)*step
		slice := slices[k]
		idx := k
		group.Go(func() error {
			results[idx] = s.runTask(ctx, task, slice, expected)
			return nil
		})
	}
	_ = group.Wait()

	reports := make([]model.AnomalyReport, 0, count)
	for _, r := range results {
		reports = append(reports, r...)
	}
	if s.Reports != nil {
		if err := s.Reports.PutAnomalyReports(ctx, reports); err != nil {
			log.Error("error while putting backfill reports to database", zap.Error(err))
		}
	}
	metrics.JobDuration.WithLabelValues("backfill").Observe(time.Since(started).Seconds())
	log.Info("backfill is complete", zap.Int("tasks", count), zap.Int("reports", len(reports)))
	return reports, nil
}

// runTask evaluates one sub-interval. Failures become a single ERROR report.
func (s *Service) runTask(ctx context.Context, job model.JobMetadata, series []*timeseries.TimeSeries, expectedEnd int64) []model.AnomalyReport {
	log := s.logger().With(zap.Int("job_id", job.ID), zap.Int64("report_time", job.ReportNominalTime))
	if s.Reports != nil {
		if err := s.Reports.DeleteAnomalyReports(ctx, job.ID, job.Frequency, job.ReportNominalTime); err != nil {
			log.Warn("error while clearing previous reports", zap.Error(err))
		}
	}
	job.Status = model.StatusRunning
	anomalies, err := s.Detection.RunDetection(ctx, series, job, expectedEnd, job.Granularity)
	var seriesErrs detection.SeriesErrors
	if err != nil && !errors.As(err, &seriesErrs) {
		log.Error("backfill task failed", zap.Error(err))
		job.Status = model.StatusError
		return []model.AnomalyReport{ErrorReport(job, err.Error())}
	}
	reports := Reports(anomalies, &job)
	if err != nil {
		log.Warn("detection failed for some series", zap.Int("failed", len(seriesErrs)), zap.Error(err))
		reports = append(reports, ErrorReport(job, err.Error()))
	}
	if len(reports) == 0 {
		reports = append(reports, SingletonReport(job, ""))
	}
	return reports
}
