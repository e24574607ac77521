package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
)

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

func (r *Repository) GetJob(ctx context.Context, id int) (model.JobMetadata, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.JobMetadata{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns every job not in ERROR state, ordered by ID.
func (r *Repository) ListJobs(ctx context.Context) ([]model.JobMetadata, error) {
	rows, err := r.Store.Pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status <> $1 ORDER BY id`, string(model.StatusError))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := []model.JobMetadata{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *Repository) GetCluster(ctx context.Context, id int) (model.Cluster, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT id, name, broker_host, broker_port, broker_endpoint, ssl
		FROM clusters WHERE id=$1`, id)
	var c model.Cluster
	if err := row.Scan(&c.ID, &c.Name, &c.BrokerHost, &c.BrokerPort, &c.BrokerEndpoint, &c.SSL); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Cluster{}, fmt.Errorf("%w: %d", ErrClusterNotFound, id)
		}
		return model.Cluster{}, err
	}
	return c, nil
}

func (r *Repository) PutCluster(ctx context.Context, c model.Cluster) (int, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		INSERT INTO clusters (name, broker_host, broker_port, broker_endpoint, ssl)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		c.Name, c.BrokerHost, c.BrokerPort, c.BrokerEndpoint, c.SSL)
	var id int
	err := row.Scan(&id)
	return id, err
}

// PutJobMetadata inserts a job without an ID and updates it otherwise.
func (r *Repository) PutJobMetadata(ctx context.Context, job model.JobMetadata) error {
	_, err := r.putJob(ctx, job)
	return err
}

func (r *Repository) CreateJob(ctx context.Context, job model.JobMetadata) (int, error) {
	job.ID = 0
	return r.putJob(ctx, job)
}

func (r *Repository) putJob(ctx context.Context, job model.JobMetadata) (int, error) {
	args := []any{job.Name, job.Description, job.Owner, job.OwnerEmail, job.Query, job.QueryURL, job.ClusterID,
		job.Granularity.String(), job.Range(), job.Frequency.String(), job.SigmaThreshold, job.ADModel, job.TSModel,
		job.TimeseriesRange, job.HoursOfLag, string(job.Status), job.EffectiveQueryTime, job.ReportNominalTime}
	if job.ID == 0 {
		row := r.Store.Pool.QueryRow(ctx, `
			INSERT INTO jobs (name, description, owner, owner_email, query, query_url, cluster_id,
				granularity, granularity_range, frequency, sigma_threshold, ad_model, ts_model,
				timeseries_range, hours_of_lag, status, effective_query_time, report_nominal_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18) RETURNING id`, args...)
		var id int
		err := row.Scan(&id)
		return id, err
	}
	tag, err := r.Store.Pool.Exec(ctx, `
		UPDATE jobs SET name=$1, description=$2, owner=$3, owner_email=$4, query=$5, query_url=$6, cluster_id=$7,
			granularity=$8, granularity_range=$9, frequency=$10, sigma_threshold=$11, ad_model=$12, ts_model=$13,
			timeseries_range=$14, hours_of_lag=$15, status=$16, effective_query_time=$17, report_nominal_time=$18
		WHERE id=$19`, append(args, job.ID)...)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	return job.ID, nil
}

// PutAnomalyReports writes reports in one batch.
func (r *Repository) PutAnomalyReports(ctx context.Context, reports []model.AnomalyReport) error {
	if len(reports) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rep := range reports {
		payload, err := reportPayload(rep)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO anomaly_reports (unique_id, job_id, job_frequency, query_url, report_time, status, error_description, payload)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (unique_id) DO NOTHING`,
			rep.UniqueID, rep.JobID, rep.JobFrequency.String(), rep.QueryURL, rep.ReportQueryEnd,
			string(rep.Status), rep.ErrorDescription, payload)
	}
	results := r.Store.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range reports {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) DeleteAnomalyReports(ctx context.Context, jobID int, frequency granularity.Granularity, reportTime int64) error {
	_, err := r.Store.Pool.Exec(ctx, `
		DELETE FROM anomaly_reports WHERE job_id=$1 AND job_frequency=$2 AND report_time=$3`,
		jobID, frequency.String(), reportTime)
	return err
}

// ListReports returns the reports of a job, newest first.
func (r *Repository) ListReports(ctx context.Context, jobID int, limit int) ([]model.AnomalyReport, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT unique_id, job_id, job_frequency, query_url, report_time, status, error_description, payload
		FROM anomaly_reports WHERE job_id=$1 ORDER BY report_time DESC, created_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	reports := []model.AnomalyReport{}
	for rows.Next() {
		var (
			rep               model.AnomalyReport
			frequency, status string
			payload           []byte
		)
		if err := rows.Scan(&rep.UniqueID, &rep.JobID, &frequency, &rep.QueryURL, &rep.ReportQueryEnd,
			&status, &rep.ErrorDescription, &payload); err != nil {
			return nil, err
		}
		if err := decodeReport(&rep, frequency, status, payload); err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, rows.Err()
}
