package query

import (
	"encoding/json"
	"time"

	"github.com/metamx/sherlock/internal/granularity"
)

// Query is an immutable store query with a resolved time window.
type Query struct {
	raw              json.RawMessage
	object           map[string]any
	startTime        int64
	endTime          int64
	granularity      granularity.Granularity
	granularityRange int
}

func (q *Query) JSON() json.RawMessage {
	out := make(json.RawMessage, len(q.raw))
	copy(out, q.raw)
	return out
}

func (q *Query) StartTime() int64 { return q.startTime }

func (q *Query) EndTime() int64 { return q.endTime }

// RunTime is the window end in epoch seconds.
func (q *Query) RunTime() int64 { return q.endTime }

func (q *Query) Start() time.Time { return time.Unix(q.startTime, 0).UTC() }

func (q *Query) End() time.Time { return time.Unix(q.endTime, 0).UTC() }

func (q *Query) Granularity() granularity.Granularity { return q.granularity }

func (q *Query) GranularityRange() int { return q.granularityRange }

func (q *Query) Type() string {
	s, _ := q.object["queryType"].(string)
	return s
}

// Datasource returns the table name for string or table data sources.
func (q *Query) Datasource() string {
	switch ds := q.object["dataSource"].(type) {
	case string:
		return ds
	case map[string]any:
		if name, ok := ds["name"].(string); ok {
			return name
		}
	}
	return ""
}

// Metrics lists aggregation and post-aggregation output names.
func (q *Query) Metrics() []string {
	out := []string{}
	for _, key := range []string{"aggregations", "postAggregations"} {
		items, _ := q.object[key].([]any)
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := m["name"].(string); ok && name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func (q *Query) Dimensions() []string {
	out := []string{}
	items, _ := q.object["dimensions"].([]any)
	if dim, ok := q.object["dimension"]; ok {
		items = append(items, dim)
	}
	for _, item := range items {
		if name := dimensionName(item); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func dimensionName(item any) string {
	switch d := item.(type) {
	case string:
		return d
	case map[string]any:
		if name, ok := d["outputName"].(string); ok && name != "" {
			return name
		}
		if name, ok := d["dimension"].(string); ok {
			return name
		}
	}
	return ""
}
