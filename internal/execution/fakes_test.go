package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/query"
	"github.com/metamx/sherlock/internal/timeseries"
)

var errClusterMissing = errors.New("cluster not found")

type memStore struct {
	mu       sync.Mutex
	clusters map[int]model.Cluster
	ops      []string
	jobs     []model.JobMetadata
	puts     [][]model.AnomalyReport
	deletes  []int64
	putErr   error
	lookups  int
}

func newMemStore() *memStore {
	return &memStore{clusters: map[int]model.Cluster{1: {ID: 1, Name: "local"}}}
}

func (m *memStore) GetCluster(ctx context.Context, id int) (model.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	c, ok := m.clusters[id]
	if !ok {
		return model.Cluster{}, errClusterMissing
	}
	return c, nil
}

func (m *memStore) PutJobMetadata(ctx context.Context, job model.JobMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "job")
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *memStore) PutAnomalyReports(ctx context.Context, reports []model.AnomalyReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "reports")
	m.puts = append(m.puts, reports)
	return m.putErr
}

func (m *memStore) DeleteAnomalyReports(ctx context.Context, jobID int, frequency granularity.Granularity, reportTime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, reportTime)
	return nil
}

type fakeScheduler struct {
	unscheduled []int
}

func (f *fakeScheduler) Unschedule(jobID int) {
	f.unscheduled = append(f.unscheduled, jobID)
}

type sentMail struct {
	owner string
	to    []string
	count int
}

type fakeSinks struct {
	emails []sentMail
	pages  [][]string
}

func (f *fakeSinks) SendEmail(ctx context.Context, owner string, to []string, reports []model.AnomalyReport) bool {
	f.emails = append(f.emails, sentMail{owner: owner, to: to, count: len(reports)})
	return true
}

func (f *fakeSinks) SendPager(ctx context.Context, owner string, keys []string, reports []model.AnomalyReport) bool {
	f.pages = append(f.pages, keys)
	return true
}

type fakePublisher struct {
	published int
}

func (f *fakePublisher) PublishReports(ctx context.Context, jobID int, reports []model.AnomalyReport) error {
	f.published += len(reports)
	return nil
}

// cannedDetection returns fixed anomalies from Detect.
type cannedDetection struct {
	anomalies []model.Anomaly
	err       error
}

func (c *cannedDetection) Detect(ctx context.Context, cluster model.Cluster, job model.JobMetadata) ([]model.Anomaly, error) {
	return c.anomalies, c.err
}

func (c *cannedDetection) Fetch(ctx context.Context, q *query.Query, cluster model.Cluster) ([]*timeseries.TimeSeries, error) {
	return nil, errors.New("not used")
}

func (c *cannedDetection) RunDetection(ctx context.Context, series []*timeseries.TimeSeries, job model.JobMetadata, expectedEndMinutes int64, g granularity.Granularity) ([]model.Anomaly, error) {
	return c.anomalies, c.err
}

func anomalyAt(metric string, times ...int64) model.Anomaly {
	a := model.Anomaly{ID: metric, MetricName: metric, Intervals: []model.Interval{}}
	for _, t := range times {
		a.Intervals = append(a.Intervals, model.Interval{Start: t, End: t, Score: 4})
	}
	return a
}
