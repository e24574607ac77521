package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metamx/sherlock/internal/granularity"
)

func TestContactSplit(t *testing.T) {
	job := JobMetadata{OwnerEmail: "a@x.com, PKEY1 ,,b@y.org,PKEY2"}
	assert.Equal(t, []string{"a@x.com", "b@y.org"}, job.Emails())
	assert.Equal(t, []string{"PKEY1", "PKEY2"}, job.PagerKeys())
}

func TestJobDefaults(t *testing.T) {
	job := JobMetadata{Granularity: granularity.Hour}
	assert.Equal(t, 1, job.Range())
	assert.Equal(t, 672, job.Intervals())
	job.TimeseriesRange = 10
	assert.Equal(t, 10, job.Intervals())
}

func TestNoDataAnomaly(t *testing.T) {
	a := NoDataAnomaly("orders-count", "orders")
	assert.True(t, a.IsNoData())
	a.Intervals = []Interval{{Start: 1, End: 2}}
	assert.False(t, a.IsNoData())
}

func TestNewReport(t *testing.T) {
	job := JobMetadata{ID: 7, Frequency: granularity.Day, EffectiveQueryTime: 100}
	r := NewReport(job, StatusSuccess)
	assert.NotEmpty(t, r.UniqueID)
	assert.Equal(t, 7, r.JobID)
	assert.Equal(t, int64(100), r.ReportQueryEnd)
	assert.False(t, r.IsAnomaly())
}

func TestClusterURLs(t *testing.T) {
	c := Cluster{BrokerHost: "broker", BrokerPort: 8082, BrokerEndpoint: "/druid/v2/", SSL: true}
	assert.Equal(t, "https://broker:8082/druid/v2/", c.BrokerURL())
	assert.Equal(t, "https://broker:8082/druid/v2/datasources", c.DatasourcesURL())
}
