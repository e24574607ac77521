package query

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/metamx/sherlock/internal/granularity"
)

const (
	dateLayout   = "2006-01-02T15:04:05.000"
	originLayout = "2006-01-02T15:04"

	keyAggregations = "aggregations"
	keyIntervals    = "intervals"
	keyGranularity  = "granularity"
	keyContext      = "context"
	keyMetadata     = "metadata"

	MetaType   = "SHERLOCK"
	MetaUserID = "sherlock"
)

// Params describes one query window over a stored template.
// Intervals < 0 means unset; an explicit Intervals always wins over Start.
type Params struct {
	Template         string
	Granularity      granularity.Granularity
	GranularityRange int
	Start            time.Time
	End              time.Time
	Intervals        int
	Backfill         bool
}

// NewParams returns params with no interval count and a range of one.
func NewParams(template string, g granularity.Granularity) Params {
	return Params{Template: template, Granularity: g, GranularityRange: 1, Intervals: -1}
}

// Build validates the template, resolves the window and rewrites the
// intervals, granularity and context clauses.
func Build(p Params) (*Query, error) {
	if strings.TrimSpace(p.Template) == "" {
		return nil, buildErr(ErrEmptyQuery, "")
	}
	g := p.Granularity
	if g == 0 {
		g = granularity.Day
	}
	rangeSize := p.GranularityRange
	if rangeSize < 1 {
		rangeSize = 1
	}
	end := p.End
	if end.IsZero() {
		end = time.Now()
	}
	end = end.UTC().Truncate(time.Minute)

	intervals := p.Intervals
	if p.Start.IsZero() && intervals < 0 {
		intervals = g.IntervalsFromSettings()
	}
	var start time.Time
	if intervals >= 0 {
		start = g.SubtractIntervals(end, intervals, rangeSize)
	} else {
		start = alignStart(p.Start.UTC().Truncate(time.Minute), end, g, rangeSize)
	}
	if !start.Before(end) {
		return nil, buildErr(ErrEmptyWindow, start.Format(dateLayout)+"/"+end.Format(dateLayout))
	}

	body, err := extractObject(p.Template)
	if err != nil {
		return nil, err
	}
	obj, err := decode(body)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{keyAggregations, keyIntervals, keyGranularity} {
		if _, ok := obj[key]; !ok {
			return nil, buildErr(ErrIncompleteQuery, key)
		}
	}

	obj[keyIntervals] = FormatDate(start) + "/" + FormatDate(end)
	period := g.Period()
	if !p.Backfill {
		period = g.PeriodFor(rangeSize)
	}
	obj[keyGranularity] = map[string]any{
		"type":     "period",
		"period":   period,
		"timezone": "UTC",
		"origin":   FormatOrigin(start),
	}
	setMetadata(obj)

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, buildErr(ErrQueryParse, err.Error())
	}
	return &Query{
		raw:              raw,
		object:           obj,
		startTime:        start.Unix(),
		endTime:          end.Unix(),
		granularity:      g,
		granularityRange: rangeSize,
	}, nil
}

// alignStart widens start downward so the window holds whole steps.
func alignStart(start, end time.Time, g granularity.Granularity, rangeSize int) time.Time {
	if !start.Before(end) {
		return start
	}
	step := time.Duration(g.Minutes()*rangeSize) * time.Minute
	diff := end.Sub(start)
	steps := diff / step
	if diff%step != 0 {
		steps++
	}
	return end.Add(-steps * step)
}

// extractObject returns the last top-level balanced {...} block.
func extractObject(template string) (string, error) {
	stack := []int{}
	startPos, endPos := -1, -1
	for i := 0; i < len(template); i++ {
		switch template[i] {
		case '{':
			stack = append(stack, i)
		case '}':
			if len(stack) == 0 {
				return "", buildErr(ErrMalformedQuery, "unexpected '}'")
			}
			startPos = stack[len(stack)-1]
			endPos = i + 1
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return "", buildErr(ErrMalformedQuery, "unclosed '{'")
	}
	if startPos < 0 {
		return "", buildErr(ErrMalformedQuery, "no JSON object found")
	}
	return template[startPos:endPos], nil
}

func decode(body string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, buildErr(ErrQueryParse, err.Error())
	}
	if obj == nil {
		return nil, buildErr(ErrQueryParse, "not a JSON object")
	}
	return obj, nil
}

func setMetadata(obj map[string]any) {
	ctx, ok := obj[keyContext].(map[string]any)
	if !ok {
		ctx = map[string]any{}
		obj[keyContext] = ctx
	}
	meta, ok := ctx[keyMetadata].(map[string]any)
	if !ok {
		meta = map[string]any{}
		ctx[keyMetadata] = meta
	}
	if _, ok := meta["type"]; !ok {
		meta["type"] = MetaType
	}
	if _, ok := meta["userId"]; !ok {
		meta["userId"] = MetaUserID
	}
}

func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func FormatOrigin(t time.Time) string {
	return t.UTC().Format(originLayout)
}
