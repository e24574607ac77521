package model

import (
	"strings"
	"time"

	"github.com/metamx/sherlock/internal/granularity"
)

type JobStatus string

const (
	StatusCreated JobStatus = "CREATED"
	StatusRunning JobStatus = "RUNNING"
	StatusSuccess JobStatus = "SUCCESS"
	StatusError   JobStatus = "ERROR"
	StatusNoData  JobStatus = "NODATA"

	// StatusWarning marks a report carrying detected anomalies.
	StatusWarning JobStatus = "WARNING"
)

// JobMetadata is a registered detection job. Times are minutes since epoch.
type JobMetadata struct {
	ID                 int                     `json:"jobId"`
	Name               string                  `json:"name"`
	Description        string                  `json:"description,omitempty"`
	Owner              string                  `json:"owner"`
	OwnerEmail         string                  `json:"ownerEmail"`
	Query              string                  `json:"query"`
	QueryURL           string                  `json:"url,omitempty"`
	ClusterID          int                     `json:"clusterId"`
	Granularity        granularity.Granularity `json:"granularity"`
	GranularityRange   int                     `json:"granularityRange"`
	Frequency          granularity.Granularity `json:"frequency"`
	SigmaThreshold     float64                 `json:"sigmaThreshold"`
	ADModel            string                  `json:"anomalyDetectionModel"`
	TSModel            string                  `json:"timeseriesModel"`
	TimeseriesRange    int                     `json:"timeseriesRange,omitempty"`
	HoursOfLag         int                     `json:"hoursOfLag"`
	Status             JobStatus               `json:"status"`
	EffectiveQueryTime int64                   `json:"effectiveQueryTime"`
	ReportNominalTime  int64                   `json:"reportNominalTime"`
}

// Range returns the granularity range, never below one.
func (j JobMetadata) Range() int {
	if j.GranularityRange < 1 {
		return 1
	}
	return j.GranularityRange
}

// Intervals is the lookback count: the job override or the default for its granularity.
func (j JobMetadata) Intervals() int {
	if j.TimeseriesRange > 0 {
		return j.TimeseriesRange
	}
	return j.Granularity.IntervalsFromSettings()
}

func (j JobMetadata) EffectiveEnd() time.Time {
	return time.Unix(j.EffectiveQueryTime*60, 0).UTC()
}

// Lagged returns now shifted back by the job's configured lag.
func (j JobMetadata) Lagged(now time.Time) time.Time {
	return now.Add(-time.Duration(j.HoursOfLag) * time.Hour)
}

// Emails returns the owner contact entries that are email addresses.
func (j JobMetadata) Emails() []string {
	return splitContacts(j.OwnerEmail, true)
}

// PagerKeys returns the owner contact entries that are not email addresses.
func (j JobMetadata) PagerKeys() []string {
	return splitContacts(j.OwnerEmail, false)
}

func splitContacts(value string, emails bool) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "@") == emails {
			out = append(out, trimmed)
		}
	}
	return out
}
