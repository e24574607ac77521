package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/detection"
	"github.com/metamx/sherlock/internal/detector"
	"github.com/metamx/sherlock/internal/execution"
	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/query"
	"github.com/metamx/sherlock/internal/scheduler"
	"github.com/metamx/sherlock/internal/storage"
)

type adminJobs interface {
	jobLoader
	GetCluster(ctx context.Context, id int) (model.Cluster, error)
}

type adminScheduler interface {
	jobScheduler
	ListJobs() []scheduler.JobInfo
	Trigger(job model.JobMetadata) error
}

type backfiller interface {
	Backfill(ctx context.Context, job model.JobMetadata, start time.Time, end *time.Time) ([]model.AnomalyReport, error)
}

type instantDetector interface {
	DetectWithResults(ctx context.Context, q *query.Query, sigma float64, cluster model.Cluster, detectionWindow *int, cfg *detector.Config) ([]detection.Result, error)
}

type adminDeps struct {
	Jobs      adminJobs
	Scheduler adminScheduler
	Backfill  backfiller
	Detect    instantDetector
	Logger    *zap.Logger
}

type backfillRequest struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// detectRequest.End is RFC3339; empty means now.
type detectRequest struct {
	Query            string  `json:"query"`
	Granularity      string  `json:"granularity"`
	GranularityRange int     `json:"granularityRange"`
	Intervals        int     `json:"intervals"`
	End              string  `json:"end"`
	Sigma            float64 `json:"sigma"`
	ClusterID        int     `json:"clusterId"`
	DetectionWindow  *int    `json:"detectionWindow,omitempty"`
}

var errBadRequest = errors.New("bad request")

func newAdminRouter(d adminDeps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Scheduler.ListJobs())
	})

	r.Post("/jobs/reload", func(w http.ResponseWriter, r *http.Request) {
		n, err := reconcile(r.Context(), d.Jobs, d.Scheduler)
		if err != nil {
			writeAdminError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "scheduled": n})
	})

	r.Post("/jobs/{id}/run", func(w http.ResponseWriter, r *http.Request) {
		job, err := loadJob(r, d.Jobs)
		if err != nil {
			writeAdminError(w, d.Logger, err)
			return
		}
		if err := d.Scheduler.Trigger(job); err != nil {
			if errors.Is(err, scheduler.ErrQueueFull) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeAdminError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "jobId": job.ID})
	})

	r.Post("/jobs/{id}/backfill", func(w http.ResponseWriter, r *http.Request) {
		job, err := loadJob(r, d.Jobs)
		if err != nil {
			writeAdminError(w, d.Logger, err)
			return
		}
		var req backfillRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Start.IsZero() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "start is required (RFC3339)"})
			return
		}
		reports, err := d.Backfill.Backfill(r.Context(), job, req.Start, req.End)
		if err != nil {
			writeAdminError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, reports)
	})

	r.Post("/detect", func(w http.ResponseWriter, r *http.Request) {
		var req detectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid body"})
			return
		}
		q, err := req.build()
		if err != nil {
			writeAdminError(w, d.Logger, err)
			return
		}
		cluster, err := d.Jobs.GetCluster(r.Context(), req.ClusterID)
		if err != nil {
			writeAdminError(w, d.Logger, err)
			return
		}
		results, err := d.Detect.DetectWithResults(r.Context(), q, req.Sigma, cluster, req.DetectionWindow, nil)
		if err != nil {
			writeAdminError(w, d.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	})
	return r
}

func (req detectRequest) build() (*query.Query, error) {
	g := granularity.Day
	if req.Granularity != "" {
		var err error
		if g, err = granularity.Parse(req.Granularity); err != nil {
			return nil, errors.Join(errBadRequest, err)
		}
	}
	p := query.NewParams(req.Query, g)
	if req.GranularityRange > 0 {
		p.GranularityRange = req.GranularityRange
	}
	if req.Intervals > 0 {
		p.Intervals = req.Intervals
	}
	if req.End != "" {
		end, err := time.Parse(time.RFC3339, req.End)
		if err != nil {
			return nil, errors.Join(errBadRequest, err)
		}
		p.End = end
	}
	return query.Build(p)
}

func loadJob(r *http.Request, jobs jobLoader) (model.JobMetadata, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		return model.JobMetadata{}, errors.Join(errBadRequest, err)
	}
	return jobs.GetJob(r.Context(), id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func adminStatus(err error) int {
	var buildErr *query.BuildError
	var dsErr *detection.UnknownDatasourceError
	switch {
	case errors.Is(err, errBadRequest),
		errors.As(err, &buildErr),
		errors.As(err, &dsErr),
		errors.Is(err, execution.ErrWindowTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrClusterNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeAdminError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := adminStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error("admin request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func startAdminServer(port string, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("admin server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()
	return srv
}
