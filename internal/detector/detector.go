package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/timeseries"
)

const (
	ModelOlympic = "olympicmodel"
	ModelProphet = "prophetmodel"
)

var ErrUnknownModel = errors.New("unknown time-series model")

// Detector finds anomalies in a single series and produces its forecast.
type Detector interface {
	Detect(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]model.Anomaly, error)
	Forecast(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]timeseries.Point, error)
}

type Registry struct {
	detectors map[string]Detector
	fallback  Detector
}

// NewRegistry maps model names to detectors. Names are matched case-insensitively.
func NewRegistry(fallback Detector, detectors map[string]Detector) *Registry {
	normalized := map[string]Detector{}
	for key, d := range detectors {
		normalized[strings.ToLower(key)] = d
	}
	return &Registry{detectors: normalized, fallback: fallback}
}

// For returns the detector for tsModel; an empty name selects the fallback.
func (r *Registry) For(tsModel string) (Detector, error) {
	if r == nil {
		return nil, fmt.Errorf("detector registry not configured")
	}
	if strings.TrimSpace(tsModel) == "" {
		if r.fallback == nil {
			return nil, ErrUnknownModel
		}
		return r.fallback, nil
	}
	d, ok := r.detectors[strings.ToLower(tsModel)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, tsModel)
	}
	return d, nil
}

func (r *Registry) Detect(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]model.Anomaly, error) {
	d, err := r.For(cfg.TSModel)
	if err != nil {
		return nil, err
	}
	return d.Detect(ctx, ts, cfg)
}

func (r *Registry) Forecast(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]timeseries.Point, error) {
	d, err := r.For(cfg.TSModel)
	if err != nil {
		return nil, err
	}
	return d.Forecast(ctx, ts, cfg)
}

func prepare(ts *timeseries.TimeSeries, cfg Config) *timeseries.TimeSeries {
	if cfg.FillMissing && cfg.Step > 0 {
		return ts.FillMissing(cfg.Step)
	}
	return ts.Clone()
}
