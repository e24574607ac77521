package detector

import (
	"math"
	"strings"

	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/timeseries"
)

const defaultEpsilon = 1e-9

// Score compares observed points against expected values and groups
// consecutive outliers into intervals. Points without an expected value are
// skipped.
func Score(ts *timeseries.TimeSeries, expected []timeseries.Point, cfg Config, modelName string) model.Anomaly {
	anomaly := model.Anomaly{
		ID:         ts.ID,
		MetricName: ts.Name,
		Source:     ts.Source,
		SeriesID:   ts.ID,
		Model:      modelName,
		Intervals:  []model.Interval{},
	}
	forecast := map[int64]float64{}
	for _, p := range expected {
		forecast[p.Time] = p.Value
	}
	times := []int64{}
	residuals := []float64{}
	for _, p := range ts.Points {
		f, ok := forecast[p.Time]
		if !ok || math.IsNaN(f) {
			continue
		}
		times = append(times, p.Time)
		residuals = append(residuals, p.Value-f)
	}
	minPoints := cfg.MinPoints
	if minPoints < 2 {
		minPoints = 2
	}
	if len(residuals) < minPoints {
		return anomaly
	}
	scores := scoreResiduals(residuals, cfg.ADModel)

	last, _ := ts.Last()
	var current *model.Interval
	for i, score := range scores {
		t := times[i]
		inWindow := t >= cfg.DetectionWindowStart
		if cfg.MaxAnomalyTimeAgo > 0 && t < last.Time-cfg.MaxAnomalyTimeAgo {
			inWindow = false
		}
		if inWindow && math.Abs(score) > cfg.Sigma {
			if current == nil {
				current = &model.Interval{Start: t, End: t, Score: math.Abs(score)}
			} else {
				current.End = t
				current.Score = math.Max(current.Score, math.Abs(score))
			}
			continue
		}
		if current != nil {
			anomaly.Intervals = append(anomaly.Intervals, *current)
			current = nil
		}
	}
	if current != nil {
		anomaly.Intervals = append(anomaly.Intervals, *current)
	}
	return anomaly
}

// scoreResiduals returns a standardized deviation per residual.
func scoreResiduals(residuals []float64, adModel string) []float64 {
	out := make([]float64, len(residuals))
	if strings.ToLower(adModel) == ScoreRobustZ {
		median := Median(residuals)
		mad := MAD(residuals, median)
		for i, r := range residuals {
			out[i] = robustZ(r, median, mad)
		}
		return out
	}
	mean := Mean(residuals)
	std := StdDev(residuals, true)
	for i, r := range residuals {
		diff := r - mean
		if std <= defaultEpsilon {
			if math.Abs(diff) <= defaultEpsilon {
				continue
			}
			out[i] = math.Inf(1)
			continue
		}
		out[i] = diff / std
	}
	return out
}

func robustZ(value, median, mad float64) float64 {
	if mad == 0 {
		if math.Abs(value-median) <= defaultEpsilon {
			return 0
		}
		return math.Inf(1)
	}
	return 0.6745 * (value - median) / mad
}
