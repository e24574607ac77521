package detector

import (
	"context"
	"sync"

	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/timeseries"
)

// Mock returns canned anomalies and records every call.
type Mock struct {
	mu        sync.Mutex
	Anomalies func(ts *timeseries.TimeSeries) []model.Anomaly
	Err       error
	Calls     []string
	Configs   []Config
}

func (m *Mock) Detect(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]model.Anomaly, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, ts.ID)
	m.Configs = append(m.Configs, cfg)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Anomalies == nil {
		return []model.Anomaly{}, nil
	}
	return m.Anomalies(ts), nil
}

func (m *Mock) Forecast(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]timeseries.Point, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]timeseries.Point{}, ts.Points...), nil
}

func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
