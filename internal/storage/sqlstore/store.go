package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/storage"
)

// Store keeps jobs, clusters and reports in any database/sql backend.
type Store struct {
	db      *sql.DB
	dialect dialect
	tables  tables
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.driver, err)
	}
	return nil
}

func (s *Store) q(query string, args ...any) string {
	return s.dialect.rebind(fmt.Sprintf(query, args...))
}

const jobColumns = `id, name, description, owner, owner_email, query, query_url, cluster_id,
	granularity, granularity_range, frequency, sigma_threshold, ad_model, ts_model,
	timeseries_range, hours_of_lag, status, effective_query_time, report_nominal_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.JobMetadata, error) {
	var (
		j                  model.JobMetadata
		gran, freq, status string
	)
	if err := row.Scan(&j.ID, &j.Name, &j.Description, &j.Owner, &j.OwnerEmail, &j.Query, &j.QueryURL, &j.ClusterID,
		&gran, &j.GranularityRange, &freq, &j.SigmaThreshold, &j.ADModel, &j.TSModel,
		&j.TimeseriesRange, &j.HoursOfLag, &status, &j.EffectiveQueryTime, &j.ReportNominalTime); err != nil {
		return model.JobMetadata{}, err
	}
	var err error
	if j.Granularity, err = granularity.Parse(gran); err != nil {
		return model.JobMetadata{}, err
	}
	j.Frequency = j.Granularity
	if freq != "" {
		if j.Frequency, err = granularity.Parse(freq); err != nil {
			return model.JobMetadata{}, err
		}
	}
	j.Status = model.JobStatus(status)
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id int) (model.JobMetadata, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+jobColumns+" FROM %s WHERE id = ?", s.tables.jobs), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobMetadata{}, storage.ErrNotFound
	}
	return job, err
}

func (s *Store) ListJobs(ctx context.Context) ([]model.JobMetadata, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT "+jobColumns+" FROM %s WHERE status <> ? ORDER BY id", s.tables.jobs), string(model.StatusError))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	jobs := []model.JobMetadata{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) GetCluster(ctx context.Context, id int) (model.Cluster, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT id, name, broker_host, broker_port, broker_endpoint, ssl FROM %s WHERE id = ?", s.tables.clusters), id)
	var c model.Cluster
	if err := row.Scan(&c.ID, &c.Name, &c.BrokerHost, &c.BrokerPort, &c.BrokerEndpoint, &c.SSL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Cluster{}, fmt.Errorf("%w: %d", storage.ErrClusterNotFound, id)
		}
		return model.Cluster{}, err
	}
	return c, nil
}

// PutJobMetadata updates the run state of an existing job.
func (s *Store) PutJobMetadata(ctx context.Context, job model.JobMetadata) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE %s SET status = ?, effective_query_time = ?, report_nominal_time = ? WHERE id = ?", s.tables.jobs),
		string(job.Status), job.EffectiveQueryTime, job.ReportNominalTime, job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutAnomalyReports inserts reports in a single transaction.
func (s *Store) PutAnomalyReports(ctx context.Context, reports []model.AnomalyReport) error {
	if len(reports) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO %s
		(unique_id, job_id, job_frequency, query_url, report_time, status, error_description, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.tables.reports))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare report insert: %w", err)
	}
	defer stmt.Close()
	for _, r := range reports {
		var payload []byte
		if r.Anomaly != nil {
			if payload, err = json.Marshal(r.Anomaly); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if _, err := stmt.ExecContext(ctx, r.UniqueID, r.JobID, r.JobFrequency.String(), r.QueryURL,
			r.ReportQueryEnd, string(r.Status), r.ErrorDescription, payload); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert report: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteAnomalyReports(ctx context.Context, jobID int, frequency granularity.Granularity, reportTime int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM %s WHERE job_id = ? AND job_frequency = ? AND report_time = ?", s.tables.reports),
		jobID, frequency.String(), reportTime)
	return err
}
