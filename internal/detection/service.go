package detection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/detector"
	"github.com/metamx/sherlock/internal/druid"
	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/query"
	"github.com/metamx/sherlock/internal/timeseries"
)

// Service turns a job or query into anomalies: it checks the datasource,
// fetches and parses the series and runs a detector over each of them.
type Service struct {
	Store    druid.Client
	Detector detector.Detector
	Config   detector.Config
	Logger   *zap.Logger
}

func NewService(store druid.Client, d detector.Detector, cfg detector.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Store: store, Detector: d, Config: cfg, Logger: logger}
}

// Result is the outcome of an instant detection for one series.
type Result struct {
	Series    *timeseries.TimeSeries `json:"series"`
	Anomalies []model.Anomaly        `json:"anomalies"`
	Expected  []timeseries.Point     `json:"expected"`
}

// BuildQuery resolves the job template at its effective query time.
func BuildQuery(job model.JobMetadata) (*query.Query, error) {
	p := query.NewParams(job.Query, job.Granularity)
	p.GranularityRange = job.Range()
	if job.EffectiveQueryTime > 0 {
		p.End = job.EffectiveEnd()
	}
	p.Intervals = job.Intervals()
	return query.Build(p)
}

func (s *Service) Detect(ctx context.Context, cluster model.Cluster, job model.JobMetadata) ([]model.Anomaly, error) {
	q, err := BuildQuery(job)
	if err != nil {
		return nil, err
	}
	s.Logger.Info("query generation successful", zap.Int("job_id", job.ID), zap.String("datasource", q.Datasource()))
	return s.DetectQuery(ctx, q, cluster, job)
}

func (s *Service) DetectQuery(ctx context.Context, q *query.Query, cluster model.Cluster, job model.JobMetadata) ([]model.Anomaly, error) {
	series, err := s.Fetch(ctx, q, cluster)
	if err != nil {
		return nil, err
	}
	expectedEnd := q.RunTime()/60 - int64(q.Granularity().Minutes()*job.Range())
	anomalies, err := s.RunDetection(ctx, series, job, expectedEnd, q.Granularity())
	s.Logger.Info("generated anomaly list", zap.Int("job_id", job.ID), zap.Int("anomalies", len(anomalies)))
	return anomalies, err
}

// CheckDatasource fails with UnknownDatasourceError when the cluster does not list
// the query's datasource.
func (s *Service) CheckDatasource(ctx context.Context, q *query.Query, cluster model.Cluster) error {
	names, err := s.Store.ListDatasources(ctx, cluster)
	if err != nil {
		return fmt.Errorf("list datasources: %w", err)
	}
	ds := q.Datasource()
	for _, name := range names {
		if name == ds {
			return nil
		}
	}
	s.Logger.Error("datasource does not exist", zap.String("datasource", ds), zap.Int("cluster_id", cluster.ID))
	return &UnknownDatasourceError{Datasource: ds}
}

// Fetch checks the datasource, runs the query and parses the response.
func (s *Service) Fetch(ctx context.Context, q *query.Query, cluster model.Cluster) ([]*timeseries.TimeSeries, error) {
	if err := s.CheckDatasource(ctx, q, cluster); err != nil {
		return nil, err
	}
	body, err := s.Store.Query(ctx, cluster, q.JSON())
	if err != nil {
		return nil, fmt.Errorf("query store: %w", err)
	}
	series, err := timeseries.Parse(body, timeseries.Shape{
		Datasource: q.Datasource(),
		Metrics:    q.Metrics(),
		Dimensions: q.Dimensions(),
	})
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		s.Logger.Info("query returned empty response", zap.String("datasource", q.Datasource()), zap.Int("cluster_id", cluster.ID))
	}
	return series, nil
}

// RunDetection evaluates every series against the expected last timestamp.
// Stale or empty series become NODATA anomalies without reaching the detector.
// A detector failure skips only its series; failures come back as SeriesErrors
// next to the anomalies of the rest.
func (s *Service) RunDetection(ctx context.Context, series []*timeseries.TimeSeries, job model.JobMetadata, expectedEndMinutes int64, g granularity.Granularity) ([]model.Anomaly, error) {
	cfg := s.runConfig(job, expectedEndMinutes, g)
	anomalies := make([]model.Anomaly, 0, len(series))
	var failed SeriesErrors
	for _, ts := range series {
		last, ok := ts.Last()
		if !ok || last.Time != expectedEndMinutes*60 {
			nodata := model.NoDataAnomaly(ts.ID, ts.Source)
			nodata.Model = cfg.ADModel
			anomalies = append(anomalies, nodata)
			continue
		}
		found, err := s.Detector.Detect(ctx, ts, cfg)
		if err != nil {
			s.Logger.Warn("detection failed for series", zap.Int("job_id", job.ID), zap.String("series", ts.ID), zap.Error(err))
			failed = append(failed, &DetectionError{SeriesID: ts.ID, Err: err})
			continue
		}
		anomalies = append(anomalies, found...)
	}
	if len(failed) > 0 {
		return anomalies, failed
	}
	return anomalies, nil
}

func (s *Service) runConfig(job model.JobMetadata, expectedEndMinutes int64, g granularity.Granularity) detector.Config {
	frequency := job.Frequency
	if frequency == 0 {
		frequency = g
	}
	cfg := s.Config.WithModels(job.TSModel, job.ADModel).WithRun(job.SigmaThreshold, g, job.Range())
	return cfg.WithDetectionWindow(expectedEndMinutes, frequency, cfg.Lookback(job.Range()))
}

// DetectWithResults runs an instant detection and returns the forecast along
// with every anomaly in the window. cfg overrides the service configuration when set.
func (s *Service) DetectWithResults(ctx context.Context, q *query.Query, sigma float64, cluster model.Cluster, detectionWindow *int, cfg *detector.Config) ([]Result, error) {
	series, err := s.Fetch(ctx, q, cluster)
	if err != nil {
		return nil, err
	}
	base := s.Config
	if cfg != nil {
		base = *cfg
	}
	run := base.WithRun(sigma, q.Granularity(), q.GranularityRange())
	if detectionWindow != nil {
		run = run.WithDetectionWindow(q.RunTime()/60, q.Granularity(), *detectionWindow+1)
	}
	run = run.WithMaxAnomalyAge(detector.InstantMaxAnomalyAge)

	results := make([]Result, 0, len(series))
	for _, ts := range series {
		anomalies, err := s.Detector.Detect(ctx, ts, run)
		if err != nil {
			return nil, &DetectionError{SeriesID: ts.ID, Err: err}
		}
		expected, err := s.Detector.Forecast(ctx, ts, run)
		if err != nil {
			return nil, &DetectionError{SeriesID: ts.ID, Err: err}
		}
		results = append(results, Result{Series: ts, Anomalies: anomalies, Expected: expected})
	}
	return results, nil
}
