package timeseries

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrUnsupportedResponse = errors.New("unsupported store response")

// Shape describes which fields of a store response hold series data.
type Shape struct {
	Datasource string
	Metrics    []string
	Dimensions []string
}

type row struct {
	Timestamp string          `json:"timestamp"`
	Event     map[string]any  `json:"event"`
	Result    json.RawMessage `json:"result"`
}

// Parse converts a groupBy, timeseries or topN response into one series per
// metric and dimension combination, ordered by series ID.
func Parse(body []byte, shape Shape) ([]*TimeSeries, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []*TimeSeries{}, nil
	}
	var rows []row
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedResponse, err)
	}
	acc := map[string]*TimeSeries{}
	for _, r := range rows {
		ts, err := parseTimestamp(r.Timestamp)
		if err != nil {
			return nil, err
		}
		for _, event := range r.events() {
			addEvent(acc, shape, ts, event)
		}
	}
	out := make([]*TimeSeries, 0, len(acc))
	for _, series := range acc {
		series.Normalize()
		out = append(out, series)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r row) events() []map[string]any {
	if r.Event != nil {
		return []map[string]any{r.Event}
	}
	if len(r.Result) == 0 {
		return nil
	}
	var single map[string]any
	if err := json.Unmarshal(r.Result, &single); err == nil {
		return []map[string]any{single}
	}
	var many []map[string]any
	if err := json.Unmarshal(r.Result, &many); err == nil {
		return many
	}
	return nil
}

func addEvent(acc map[string]*TimeSeries, shape Shape, ts int64, event map[string]any) {
	dims := make([]string, 0, len(shape.Dimensions))
	for _, d := range shape.Dimensions {
		dims = append(dims, fmt.Sprintf("%s=%v", d, event[d]))
	}
	source := shape.Datasource
	if len(dims) > 0 {
		source = strings.Join(dims, ",")
	}
	for _, metric := range shape.Metrics {
		value, ok := toFloat(event[metric])
		if !ok {
			continue
		}
		id := metric
		if len(dims) > 0 {
			id = metric + "|" + source
		}
		series, ok := acc[id]
		if !ok {
			series = New(id, metric, source)
			acc[id] = series
		}
		series.Points = append(series.Points, Point{Time: ts, Value: value})
	}
}

func parseTimestamp(value string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return 0, fmt.Errorf("%w: bad timestamp %q", ErrUnsupportedResponse, value)
	}
	return t.Unix(), nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
