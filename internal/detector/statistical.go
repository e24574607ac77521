package detector

import (
	"context"
	"math"

	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/timeseries"
)

// Statistical forecasts each point from seasonal predecessors and flags
// residual outliers.
type Statistical struct{}

func NewStatistical() *Statistical {
	return &Statistical{}
}

func (s *Statistical) Detect(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]model.Anomaly, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	series := prepare(ts, cfg)
	expected := olympic(series, cfg)
	return []model.Anomaly{Score(series, expected, cfg, ModelOlympic)}, nil
}

func (s *Statistical) Forecast(ctx context.Context, ts *timeseries.TimeSeries, cfg Config) ([]timeseries.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return olympic(prepare(ts, cfg), cfg), nil
}

// olympic averages the values found base-window periods earlier. With a
// whole-series period the expanding mean of all earlier points is used.
func olympic(ts *timeseries.TimeSeries, cfg Config) []timeseries.Point {
	values := ts.Values()
	out := make([]timeseries.Point, 0, len(values))
	if cfg.Period == WholeSeries {
		sum := 0.0
		for i, v := range values {
			if i > 0 {
				out = append(out, timeseries.Point{Time: ts.Points[i].Time, Value: sum / float64(i)})
			}
			sum += v
		}
		return out
	}
	stride := cfg.Period
	if stride < 1 {
		stride = 1
	}
	windows := cfg.BaseWindows
	if len(windows) == 0 {
		windows = []int{1}
	}
	for i := range values {
		sum, n := 0.0, 0
		for _, w := range windows {
			j := i - w*stride
			if j < 0 {
				continue
			}
			sum += values[j]
			n++
		}
		if n == 0 {
			continue
		}
		out = append(out, timeseries.Point{Time: ts.Points[i].Time, Value: sum / float64(n)})
	}
	return out
}

var _ Detector = (*Statistical)(nil)

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
