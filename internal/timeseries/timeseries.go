package timeseries

import "sort"

// Point is a single observation; Time is epoch seconds.
type Point struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// TimeSeries holds ascending, de-duplicated points for one metric and
// dimension combination.
type TimeSeries struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Source string  `json:"source"`
	Points []Point `json:"points"`
}

func New(id, name, source string) *TimeSeries {
	return &TimeSeries{ID: id, Name: name, Source: source, Points: []Point{}}
}

func (ts *TimeSeries) Len() int { return len(ts.Points) }

func (ts *TimeSeries) Empty() bool { return len(ts.Points) == 0 }

// Last returns the newest point.
func (ts *TimeSeries) Last() (Point, bool) {
	if len(ts.Points) == 0 {
		return Point{}, false
	}
	return ts.Points[len(ts.Points)-1], true
}

func (ts *TimeSeries) Values() []float64 {
	out := make([]float64, len(ts.Points))
	for i, p := range ts.Points {
		out[i] = p.Value
	}
	return out
}

// Normalize sorts points by time and keeps the last value per timestamp.
func (ts *TimeSeries) Normalize() {
	sort.SliceStable(ts.Points, func(i, j int) bool { return ts.Points[i].Time < ts.Points[j].Time })
	out := ts.Points[:0]
	for _, p := range ts.Points {
		if n := len(out); n > 0 && out[n-1].Time == p.Time {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	ts.Points = out
}

// Slice copies the points with from < Time <= to.
func (ts *TimeSeries) Slice(from, to int64) *TimeSeries {
	out := New(ts.ID, ts.Name, ts.Source)
	lo := sort.Search(len(ts.Points), func(i int) bool { return ts.Points[i].Time > from })
	for i := lo; i < len(ts.Points) && ts.Points[i].Time <= to; i++ {
		out.Points = append(out.Points, ts.Points[i])
	}
	return out
}

func (ts *TimeSeries) Clone() *TimeSeries {
	out := New(ts.ID, ts.Name, ts.Source)
	out.Points = append(out.Points, ts.Points...)
	return out
}

// FillMissing inserts linearly interpolated points where consecutive
// observations are more than step seconds apart.
func (ts *TimeSeries) FillMissing(step int64) *TimeSeries {
	out := New(ts.ID, ts.Name, ts.Source)
	if step <= 0 || len(ts.Points) == 0 {
		out.Points = append(out.Points, ts.Points...)
		return out
	}
	out.Points = append(out.Points, ts.Points[0])
	for i := 1; i < len(ts.Points); i++ {
		prev, cur := ts.Points[i-1], ts.Points[i]
		gap := cur.Time - prev.Time
		if gap > step {
			slope := (cur.Value - prev.Value) / float64(gap)
			for t := prev.Time + step; t < cur.Time; t += step {
				out.Points = append(out.Points, Point{Time: t, Value: prev.Value + slope*float64(t-prev.Time)})
			}
		}
		out.Points = append(out.Points, cur)
	}
	return out
}

// Subseries cuts every series into count windows. Window k ends at
// firstEnd+k*step and reaches lookback seconds back.
func Subseries(series []*TimeSeries, firstEnd, step int64, count int, lookback int64) [][]*TimeSeries {
	out := make([][]*TimeSeries, count)
	for k := 0; k < count; k++ {
		end := firstEnd + int64(k)*step
		slices := make([]*TimeSeries, 0, len(series))
		for _, ts := range series {
			slices = append(slices, ts.Slice(end-lookback, end))
		}
		out[k] = slices
	}
	return out
}
