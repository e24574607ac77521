package detector

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/metamx/sherlock/internal/granularity"
)

const (
	ScoreKSigma  = "ksigma"
	ScoreRobustZ = "robustz"

	// WholeSeries as Period makes the baseline the mean of all prior points.
	WholeSeries = -1

	// InstantMaxAnomalyAge surfaces every anomaly in the detection window.
	InstantMaxAnomalyAge = 99999999
)

// Config is the per-run detection configuration. It is a value: the With*
// methods return modified copies and never touch the receiver.
type Config struct {
	TSModel              string  `yaml:"tsModel"`
	ADModel              string  `yaml:"adModel"`
	Sigma                float64 `yaml:"sigma"`
	BaseWindows          []int   `yaml:"baseWindows"`
	Period               int     `yaml:"period"`
	FillMissing          bool    `yaml:"fillMissing"`
	MinPoints            int     `yaml:"minPoints"`
	MaxAnomalyTimeAgo    int64   `yaml:"maxAnomalyTimeAgo"`
	DetectionLookback    int     `yaml:"detectionLookback"`
	DetectionWindowStart int64   `yaml:"-"`
	Step                 int64   `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		TSModel:     ModelOlympic,
		ADModel:     ScoreKSigma,
		Sigma:       3,
		BaseWindows: []int{1, 7},
		Period:      1,
		FillMissing: true,
		MinPoints:   3,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Sigma < 0 {
		return fmt.Errorf("sigma must be >= 0, got %v", c.Sigma)
	}
	switch strings.ToLower(c.ADModel) {
	case "", ScoreKSigma, ScoreRobustZ:
	default:
		return fmt.Errorf("unsupported anomaly model %q", c.ADModel)
	}
	for _, w := range c.BaseWindows {
		if w < 1 {
			return fmt.Errorf("base windows must be positive, got %v", c.BaseWindows)
		}
	}
	return nil
}

func (c Config) clone() Config {
	c.BaseWindows = append([]int(nil), c.BaseWindows...)
	return c
}

// WithRun sets the sigma threshold, base windows and point step for one
// series at granularity g spanning rangeSize units per point.
func (c Config) WithRun(sigma float64, g granularity.Granularity, rangeSize int) Config {
	out := c.clone()
	if rangeSize < 1 {
		rangeSize = 1
	}
	out.Sigma = sigma
	out.BaseWindows = BaseWindows(g, rangeSize)
	if g == granularity.Month {
		out.Period = WholeSeries
	}
	out.Step = int64(g.Minutes()*rangeSize) * 60
	return out
}

// WithDetectionWindow starts detection lookback frequency units before endMinutes.
func (c Config) WithDetectionWindow(endMinutes int64, frequency granularity.Granularity, lookback int) Config {
	out := c.clone()
	out.DetectionWindowStart = (endMinutes - int64(lookback*frequency.Minutes())) * 60
	return out
}

func (c Config) WithMaxAnomalyAge(seconds int64) Config {
	out := c.clone()
	out.MaxAnomalyTimeAgo = seconds
	return out
}

func (c Config) WithModels(tsModel, adModel string) Config {
	out := c.clone()
	if tsModel != "" {
		out.TSModel = tsModel
	}
	if adModel != "" {
		out.ADModel = adModel
	}
	return out
}

// Lookback is the detection window length in frequency units.
func (c Config) Lookback(granularityRange int) int {
	if c.DetectionLookback > 0 {
		return c.DetectionLookback
	}
	if granularityRange < 1 {
		return 1
	}
	return granularityRange
}

// BaseWindows returns the seasonal offsets, in points, for g.
func BaseWindows(g granularity.Granularity, rangeSize int) []int {
	r := float64(rangeSize)
	switch g {
	case granularity.Minute:
		return []int{1, round(60 / r)}
	case granularity.Hour:
		return []int{round(24 / r), round(168 / r)}
	case granularity.Day:
		return []int{1, round(7 / r)}
	case granularity.Week:
		return []int{1, round(4 / r)}
	case granularity.Month:
		return []int{1, round(12 / r)}
	default:
		return []int{1, 1}
	}
}

// round matches half-up rounding and keeps at least one point.
func round(x float64) int {
	w := int(math.Floor(x + 0.5))
	if w < 1 {
		return 1
	}
	return w
}
