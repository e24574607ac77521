package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamx/sherlock/internal/detection"
	"github.com/metamx/sherlock/internal/detector"
	"github.com/metamx/sherlock/internal/execution"
	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/query"
	"github.com/metamx/sherlock/internal/scheduler"
	"github.com/metamx/sherlock/internal/storage"
)

const ordersQuery = `{"queryType": "timeseries", "dataSource": "orders", "granularity": "hour", "intervals": "", "aggregations": [{"type": "count", "name": "count"}]}`

type fakeJobs struct {
	jobs     map[int]model.JobMetadata
	clusters map[int]model.Cluster
	listErr  error
}

func (f *fakeJobs) GetJob(ctx context.Context, id int) (model.JobMetadata, error) {
	job, ok := f.jobs[id]
	if !ok {
		return model.JobMetadata{}, storage.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) ListJobs(ctx context.Context) ([]model.JobMetadata, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := []model.JobMetadata{}
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeJobs) GetCluster(ctx context.Context, id int) (model.Cluster, error) {
	c, ok := f.clusters[id]
	if !ok {
		return model.Cluster{}, storage.ErrClusterNotFound
	}
	return c, nil
}

type fakeRegistry struct {
	scheduled   []int
	unscheduled []int
	triggered   []int
	triggerErr  error
}

func (f *fakeRegistry) Schedule(job model.JobMetadata) { f.scheduled = append(f.scheduled, job.ID) }
func (f *fakeRegistry) Unschedule(jobID int) { f.unscheduled = append(f.unscheduled, jobID) }

func (f *fakeRegistry) ListJobs() []scheduler.JobInfo {
	out := []scheduler.JobInfo{}
	for _, id := range f.scheduled {
		out = append(out, scheduler.JobInfo{JobID: id})
	}
	return out
}

func (f *fakeRegistry) Trigger(job model.JobMetadata) error {
	if f.triggerErr != nil {
		return f.triggerErr
	}
	f.triggered = append(f.triggered, job.ID)
	return nil
}

type fakeBackfill struct {
	start time.Time
	end   *time.Time
	err   error
}

func (f *fakeBackfill) Backfill(ctx context.Context, job model.JobMetadata, start time.Time, end *time.Time) ([]model.AnomalyReport, error) {
	f.start, f.end = start, end
	if f.err != nil {
		return nil, f.err
	}
	return []model.AnomalyReport{model.NewReport(job, model.StatusSuccess)}, nil
}

type fakeDetect struct {
	q       *query.Query
	sigma   float64
	cluster model.Cluster
	err     error
}

func (f *fakeDetect) DetectWithResults(ctx context.Context, q *query.Query, sigma float64, cluster model.Cluster, detectionWindow *int, cfg *detector.Config) ([]detection.Result, error) {
	f.q, f.sigma, f.cluster = q, sigma, cluster
	if f.err != nil {
		return nil, f.err
	}
	return []detection.Result{}, nil
}

type adminFixture struct {
	jobs     *fakeJobs
	registry *fakeRegistry
	backfill *fakeBackfill
	detect   *fakeDetect
	handler  http.Handler
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		jobs: &fakeJobs{
			jobs: map[int]model.JobMetadata{
				7: {ID: 7, Name: "orders", Query: ordersQuery, Granularity: granularity.Hour, Frequency: granularity.Hour, Status: model.StatusSuccess},
			},
			clusters: map[int]model.Cluster{1: {ID: 1, Name: "prod", BrokerHost: "broker", BrokerPort: 8082}},
		},
		registry: &fakeRegistry{},
		backfill: &fakeBackfill{},
		detect:   &fakeDetect{},
	}
	f.handler = newAdminRouter(adminDeps{Jobs: f.jobs, Scheduler: f.registry, Backfill: f.backfill, Detect: f.detect})
	return f
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newAdminFixture()
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAdminFixture()
	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReloadSchedulesJobs(t *testing.T) {
	f := newAdminFixture()
	rec := f.do(t, http.MethodPost, "/jobs/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["scheduled"])
	assert.Equal(t, []int{7}, f.registry.scheduled)

	rec = f.do(t, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []scheduler.JobInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, 7, jobs[0].JobID)
}

func TestReloadFailure(t *testing.T) {
	f := newAdminFixture()
	f.jobs.listErr = errors.New("db down")
	rec := f.do(t, http.MethodPost, "/jobs/reload", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "db down", body["error"])
}

func TestRunJob(t *testing.T) {
	f := newAdminFixture()

	rec := f.do(t, http.MethodPost, "/jobs/7/run", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int{7}, f.registry.triggered)

	rec = f.do(t, http.MethodPost, "/jobs/8/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs/abc/run", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.registry.triggerErr = scheduler.ErrQueueFull
	rec = f.do(t, http.MethodPost, "/jobs/7/run", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBackfillEndpoint(t *testing.T) {
	f := newAdminFixture()

	rec := f.do(t, http.MethodPost, "/jobs/7/backfill", `{"start":"2021-01-01T00:00:00Z","end":"2021-01-02T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), f.backfill.start.UTC())
	require.NotNil(t, f.backfill.end)
	assert.Equal(t, time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC), f.backfill.end.UTC())

	var reports []model.AnomalyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, 7, reports[0].JobID)

	rec = f.do(t, http.MethodPost, "/jobs/7/backfill", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.backfill.err = execution.ErrWindowTooSmall
	rec = f.do(t, http.MethodPost, "/jobs/7/backfill", `{"start":"2021-01-01T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, f.backfill.end)
}

func TestDetectEndpoint(t *testing.T) {
	f := newAdminFixture()

	rec := f.do(t, http.MethodPost, "/detect", `{"query":`+jsonString(ordersQuery)+`,"granularity":"hour","intervals":24,"end":"2021-01-02T00:00:00Z","sigma":3,"clusterId":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, f.detect.q)
	assert.Equal(t, granularity.Hour, f.detect.q.Granularity())
	assert.Equal(t, time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC), f.detect.q.End())
	assert.Equal(t, 3.0, f.detect.sigma)
	assert.Equal(t, "prod", f.detect.cluster.Name)
}

func TestDetectEndpointErrors(t *testing.T) {
	f := newAdminFixture()

	rec := f.do(t, http.MethodPost, "/detect", `{"query":"","clusterId":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/detect", `{"query":`+jsonString(ordersQuery)+`,"granularity":"fortnight","clusterId":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/detect", `{"query":`+jsonString(ordersQuery)+`,"clusterId":9}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.detect.err = &detection.UnknownDatasourceError{Datasource: "orders"}
	rec = f.do(t, http.MethodPost, "/detect", `{"query":`+jsonString(ordersQuery)+`,"clusterId":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Querying unknown datasource: orders", decodeBody(t, rec)["error"])

	f.detect.err = errors.New("broker unreachable")
	rec = f.do(t, http.MethodPost, "/detect", `{"query":`+jsonString(ordersQuery)+`,"clusterId":1}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdminStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&query.BuildError{Err: query.ErrEmptyQuery}, http.StatusBadRequest},
		{execution.ErrWindowTooSmall, http.StatusBadRequest},
		{&detection.UnknownDatasourceError{Datasource: "x"}, http.StatusBadRequest},
		{storage.ErrNotFound, http.StatusNotFound},
		{storage.ErrClusterNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, adminStatus(tc.err), tc.err.Error())
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
