package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
)

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func jobRow(gran, freq string) rowFunc {
	return func(dest ...any) error {
		*dest[0].(*int) = 12
		*dest[1].(*string) = "orders"
		*dest[7].(*int) = 3
		*dest[8].(*string) = gran
		*dest[9].(*int) = 2
		*dest[10].(*string) = freq
		*dest[11].(*float64) = 2.5
		*dest[16].(*string) = "SUCCESS"
		*dest[18].(*int64) = 26801280
		return nil
	}
}

func TestScanJobResolvesNames(t *testing.T) {
	job, err := scanJob(jobRow("hour", "day"))
	require.NoError(t, err)
	assert.Equal(t, 12, job.ID)
	assert.Equal(t, 3, job.ClusterID)
	assert.Equal(t, granularity.Hour, job.Granularity)
	assert.Equal(t, granularity.Day, job.Frequency)
	assert.Equal(t, 2, job.GranularityRange)
	assert.Equal(t, model.StatusSuccess, job.Status)
	assert.Equal(t, int64(26801280), job.ReportNominalTime)
}

func TestScanJobDefaultsFrequency(t *testing.T) {
	job, err := scanJob(jobRow("week", ""))
	require.NoError(t, err)
	assert.Equal(t, granularity.Week, job.Frequency)
}

func TestScanJobRejectsUnknownGranularity(t *testing.T) {
	_, err := scanJob(jobRow("fortnight", ""))
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = scanJob(rowFunc(func(...any) error { return boom }))
	assert.ErrorIs(t, err, boom)
}

func TestReportPayloadRoundTrip(t *testing.T) {
	rep := model.AnomalyReport{Anomaly: &model.Anomaly{SeriesID: "count", Intervals: []model.Interval{{Start: 60, End: 120, Score: 4}}}}
	payload, err := reportPayload(rep)
	require.NoError(t, err)

	var decoded model.AnomalyReport
	require.NoError(t, decodeReport(&decoded, "hour", "WARNING", payload))
	assert.Equal(t, granularity.Hour, decoded.JobFrequency)
	assert.Equal(t, model.StatusWarning, decoded.Status)
	assert.Equal(t, rep.Anomaly, decoded.Anomaly)

	empty, err := reportPayload(model.AnomalyReport{})
	require.NoError(t, err)
	assert.Nil(t, empty)
	require.NoError(t, decodeReport(&decoded, "day", "SUCCESS", nil))
	assert.Equal(t, model.StatusSuccess, decoded.Status)
}

func TestRepositoryAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Migrate(ctx)
	require.NoError(t, err)
	repo := NewRepository(store)

	_, err = repo.GetCluster(ctx, -1)
	assert.ErrorIs(t, err, ErrClusterNotFound)
	_, err = repo.GetJob(ctx, -1)
	assert.ErrorIs(t, err, ErrNotFound)

	clusterID, err := repo.PutCluster(ctx, model.Cluster{Name: "local", BrokerHost: "localhost", BrokerPort: 8082})
	require.NoError(t, err)
	jobID, err := repo.CreateJob(ctx, model.JobMetadata{
		Name:        "orders",
		Query:       `{"queryType":"timeseries"}`,
		ClusterID:   clusterID,
		Granularity: granularity.Hour,
		Frequency:   granularity.Hour,
		Status:      model.StatusCreated,
	})
	require.NoError(t, err)

	job, err := repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	job.Status = model.StatusSuccess
	job.ReportNominalTime = 600
	require.NoError(t, repo.PutJobMetadata(ctx, job))

	stale := model.NewReport(job, model.StatusSuccess)
	fresh := model.NewReport(job, model.StatusWarning)
	fresh.Anomaly = &model.Anomaly{SeriesID: "count", Intervals: []model.Interval{{Start: 1, End: 2, Score: 5}}}
	require.NoError(t, repo.PutAnomalyReports(ctx, []model.AnomalyReport{stale}))
	require.NoError(t, repo.DeleteAnomalyReports(ctx, jobID, granularity.Hour, 600))
	require.NoError(t, repo.PutAnomalyReports(ctx, []model.AnomalyReport{fresh}))

	reports, err := repo.ListReports(ctx, jobID, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, fresh.UniqueID, reports[0].UniqueID)
	assert.Equal(t, fresh.Anomaly, reports[0].Anomaly)
}
