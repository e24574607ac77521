package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/timeseries"
)

// Remote delegates forecasting to an HTTP model service and scores the
// residuals locally.
type Remote struct {
	Endpoint string
	Timeout  time.Duration
	client   *http.Client
}

type remotePoint struct {
	Time         int64   `json:"time"`
	Value        float64 `json:"value"`
	LogicalIndex int     `json:"logicalIndex,omitempty"`
}

func NewRemote(endpoint string, timeout time.Duration) *Remote {
	return &Remote{Endpoint: endpoint, Timeout: timeout, client: &http.Client{Timeout: timeout}}
}

func (r *Remote) Detect(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]model.Anomaly, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	series := prepare(ts, cfg)
	expected, err := r.forecast(ctx, series)
	if err != nil {
		return nil, err
	}
	return []model.Anomaly{Score(series, expected, cfg, ModelProphet)}, nil
}

func (r *Remote) Forecast(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]timeseries.Point, error) {
	return r.forecast(ctx, prepare(ts, cfg))
}

// forecast posts the series as [{time(ms), value}] and expects one point back per input.
func (r *Remote) forecast(ctx context.Context, ts *timeseries.TimeSeries) ([]timeseries.Point, error) {
	if ts.Empty() {
		return []timeseries.Point{}, nil
	}
	payload := make([]remotePoint, len(ts.Points))
	for i, p := range ts.Points {
		payload[i] = remotePoint{Time: p.Time * 1000, Value: p.Value}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	client := r.client
	if client == nil {
		client = &http.Client{Timeout: r.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote forecast: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("remote forecast: status %d", resp.StatusCode)
	}
	var out []remotePoint
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("remote forecast: decode: %w", err)
	}
	if len(out) < len(ts.Points) {
		return nil, fmt.Errorf("remote forecast: got %d points for %d inputs", len(out), len(ts.Points))
	}
	points := make([]timeseries.Point, 0, len(ts.Points))
	for i, p := range ts.Points {
		if !isFinite(out[i].Value) {
			continue
		}
		points = append(points, timeseries.Point{Time: p.Time, Value: out[i].Value})
	}
	return points, nil
}

var _ Detector = (*Remote)(nil)
