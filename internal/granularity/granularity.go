package granularity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Granularity int

const (
	Minute Granularity = iota + 1
	Hour
	Day
	Week
	Month
)

const DefaultMonthMinutes = 43200

var names = map[Granularity]string{
	Minute: "minute",
	Hour:   "hour",
	Day:    "day",
	Week:   "week",
	Month:  "month",
}

var periods = map[Granularity]string{
	Minute: "PT1M",
	Hour:   "PT1H",
	Day:    "P1D",
	Week:   "P1W",
	Month:  "P1M",
}

// Settings holds process-wide calendar parameters installed at boot.
type Settings struct {
	MonthMinutes int
	Intervals    map[Granularity]int
}

func DefaultSettings() Settings {
	return Settings{
		MonthMinutes: DefaultMonthMinutes,
		Intervals: map[Granularity]int{
			Minute: 180,
			Hour:   672,
			Day:    28,
			Week:   12,
			Month:  6,
		},
	}
}

var (
	settingsMu sync.RWMutex
	settings   = DefaultSettings()
)

// Configure replaces the calendar settings. Missing entries keep their defaults.
func Configure(s Settings) {
	merged := DefaultSettings()
	if s.MonthMinutes > 0 {
		merged.MonthMinutes = s.MonthMinutes
	}
	for g, n := range s.Intervals {
		if n > 0 {
			merged.Intervals[g] = n
		}
	}
	settingsMu.Lock()
	settings = merged
	settingsMu.Unlock()
}

func current() Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings
}

func Parse(value string) (Granularity, error) {
	key := strings.ToLower(strings.TrimSpace(value))
	for g, name := range names {
		if name == key {
			return g, nil
		}
	}
	return Day, fmt.Errorf("unknown granularity %q", value)
}

func (g Granularity) String() string {
	if name, ok := names[g]; ok {
		return name
	}
	return "unknown"
}

func (g Granularity) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Granularity) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Minutes is the nominal length of one unit.
func (g Granularity) Minutes() int {
	switch g {
	case Minute:
		return 1
	case Hour:
		return 60
	case Day:
		return 1440
	case Week:
		return 10080
	case Month:
		return current().MonthMinutes
	default:
		return 1440
	}
}

func (g Granularity) Duration() time.Duration {
	return time.Duration(g.Minutes()) * time.Minute
}

// Period returns the ISO-8601 period for a single unit.
func (g Granularity) Period() string {
	if p, ok := periods[g]; ok {
		return p
	}
	return periods[Day]
}

// PeriodFor returns the ISO-8601 period spanning n units.
func (g Granularity) PeriodFor(n int) string {
	if n < 1 {
		n = 1
	}
	return strings.Replace(g.Period(), "1", strconv.Itoa(n), 1)
}

// SubtractIntervals moves end back by n steps of rangeSize units.
func (g Granularity) SubtractIntervals(end time.Time, n, rangeSize int) time.Time {
	if rangeSize < 1 {
		rangeSize = 1
	}
	end = end.UTC().Truncate(time.Minute)
	return end.Add(-time.Duration(n*rangeSize*g.Minutes()) * time.Minute)
}

// EndTimeForInterval floors t to a unit boundary and returns minutes since epoch.
func (g Granularity) EndTimeForInterval(t time.Time) int64 {
	minutes := t.UTC().Unix() / 60
	step := int64(g.Minutes())
	return minutes - minutes%step
}

// IntervalsFromSettings is the default lookback count for g.
func (g Granularity) IntervalsFromSettings() int {
	if n, ok := current().Intervals[g]; ok {
		return n
	}
	return DefaultSettings().Intervals[Day]
}

func All() []Granularity {
	return []Granularity{Minute, Hour, Day, Week, Month}
}
