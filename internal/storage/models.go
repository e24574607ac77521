package storage

import (
	"encoding/json"

	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
)

const jobColumns = `id, name, description, owner, owner_email, query, query_url, cluster_id,
	granularity, granularity_range, frequency, sigma_threshold, ad_model, ts_model,
	timeseries_range, hours_of_lag, status, effective_query_time, report_nominal_time`

type scanner interface {
	Scan(dest ...any) error
}

// JobRecord mirrors a jobs row; granularities are stored by name.
type JobRecord struct {
	model.JobMetadata
	GranularityName string
	FrequencyName   string
	StatusName      string
}

func scanJob(row scanner) (model.JobMetadata, error) {
	var rec JobRecord
	j := &rec.JobMetadata
	if err := row.Scan(&j.ID, &j.Name, &j.Description, &j.Owner, &j.OwnerEmail, &j.Query, &j.QueryURL, &j.ClusterID,
		&rec.GranularityName, &j.GranularityRange, &rec.FrequencyName, &j.SigmaThreshold, &j.ADModel, &j.TSModel,
		&j.TimeseriesRange, &j.HoursOfLag, &rec.StatusName, &j.EffectiveQueryTime, &j.ReportNominalTime); err != nil {
		return model.JobMetadata{}, err
	}
	return rec.resolve()
}

func (rec JobRecord) resolve() (model.JobMetadata, error) {
	job := rec.JobMetadata
	g, err := granularity.Parse(rec.GranularityName)
	if err != nil {
		return model.JobMetadata{}, err
	}
	job.Granularity = g
	job.Frequency = g
	if rec.FrequencyName != "" {
		if job.Frequency, err = granularity.Parse(rec.FrequencyName); err != nil {
			return model.JobMetadata{}, err
		}
	}
	job.Status = model.JobStatus(rec.StatusName)
	return job, nil
}

func reportPayload(r model.AnomalyReport) ([]byte, error) {
	if r.Anomaly == nil {
		return nil, nil
	}
	return json.Marshal(r.Anomaly)
}

func decodeReport(r *model.AnomalyReport, frequency, status string, payload []byte) error {
	g, err := granularity.Parse(frequency)
	if err != nil {
		return err
	}
	r.JobFrequency = g
	r.Status = model.JobStatus(status)
	if len(payload) == 0 {
		return nil
	}
	r.Anomaly = &model.Anomaly{}
	return json.Unmarshal(payload, r.Anomaly)
}
