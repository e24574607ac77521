package execution

import (
	"github.com/metamx/sherlock/internal/model"
)

// Reports turns anomalies into reports. Only anomalies with flagged intervals
// produce a report. When every anomaly is a NODATA marker the job becomes
// NODATA and no reports are returned.
func Reports(anomalies []model.Anomaly, job *model.JobMetadata) []model.AnomalyReport {
	if len(anomalies) == 0 {
		return []model.AnomalyReport{}
	}
	allNoData := true
	reports := make([]model.AnomalyReport, 0, len(anomalies))
	for _, anomaly := range anomalies {
		if anomaly.MetricName != model.NoDataMetric {
			allNoData = false
		}
		if anomaly.IsNoData() || len(anomaly.Intervals) == 0 {
			continue
		}
		reports = append(reports, reportFor(anomaly, *job))
	}
	if allNoData {
		job.Status = model.StatusNoData
		return []model.AnomalyReport{}
	}
	return reports
}

func reportFor(anomaly model.Anomaly, job model.JobMetadata) model.AnomalyReport {
	report := model.NewReport(job, model.StatusWarning)
	a := anomaly
	a.Intervals = append([]model.Interval(nil), anomaly.Intervals...)
	report.Anomaly = &a
	return report
}

// SingletonReport summarizes a run that produced no anomaly reports. Its status
// follows the job status; errDesc is attached when non-empty.
func SingletonReport(job model.JobMetadata, errDesc string) model.AnomalyReport {
	if job.Status == model.StatusError {
		return ErrorReport(job, errDesc)
	}
	status := model.StatusSuccess
	if job.Status == model.StatusNoData {
		status = model.StatusNoData
	}
	report := model.NewReport(job, status)
	report.ErrorDescription = errDesc
	return report
}

// ErrorReport records a failed run, or the failed series of a run, regardless
// of the job status.
func ErrorReport(job model.JobMetadata, errDesc string) model.AnomalyReport {
	report := model.NewReport(job, model.StatusError)
	report.ErrorDescription = errDesc
	return report
}

func hasAnomalies(reports []model.AnomalyReport) bool {
	for _, r := range reports {
		if r.IsAnomaly() {
			return true
		}
	}
	return false
}
