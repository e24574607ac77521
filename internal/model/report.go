package model

import (
	"github.com/google/uuid"

	"github.com/metamx/sherlock/internal/granularity"
)

const NoDataMetric = "NODATA"

type Interval struct {
	Start int64   `json:"start"`
	End   int64   `json:"end"`
	Score float64 `json:"score"`
}

type Anomaly struct {
	ID         string     `json:"id"`
	MetricName string     `json:"metricName"`
	Source     string     `json:"source,omitempty"`
	SeriesID   string     `json:"seriesId,omitempty"`
	Model      string     `json:"model,omitempty"`
	Intervals  []Interval `json:"intervals"`
}

// NoDataAnomaly marks a series that was missing or stale at the expected end.
func NoDataAnomaly(seriesID, source string) Anomaly {
	return Anomaly{ID: seriesID, MetricName: NoDataMetric, Source: source, SeriesID: seriesID}
}

func (a Anomaly) IsNoData() bool {
	return a.MetricName == NoDataMetric && len(a.Intervals) == 0
}

type AnomalyReport struct {
	UniqueID         string                  `json:"uniqueId"`
	JobID            int                     `json:"jobId"`
	JobFrequency     granularity.Granularity `json:"jobFrequency"`
	QueryURL         string                  `json:"queryURL,omitempty"`
	ReportQueryEnd   int64                   `json:"reportQueryEndTime"`
	Status           JobStatus               `json:"status"`
	ErrorDescription string                  `json:"errorDescription,omitempty"`
	Anomaly          *Anomaly                `json:"anomaly,omitempty"`
}

func (r AnomalyReport) IsAnomaly() bool {
	return r.Anomaly != nil && len(r.Anomaly.Intervals) > 0
}

// NewReport stamps a report with the job's identity.
func NewReport(job JobMetadata, status JobStatus) AnomalyReport {
	end := job.ReportNominalTime
	if end == 0 {
		end = job.EffectiveQueryTime
	}
	return AnomalyReport{
		UniqueID:       uuid.NewString(),
		JobID:          job.ID,
		JobFrequency:   job.Frequency,
		QueryURL:       job.QueryURL,
		ReportQueryEnd: end,
		Status:         status,
	}
}
