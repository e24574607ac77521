package detection

import "fmt"

// UnknownDatasourceError is returned when the query names a datasource the
// cluster does not serve.
type UnknownDatasourceError struct {
	Datasource string
}

func (e *UnknownDatasourceError) Error() string {
	return "Querying unknown datasource: " + e.Datasource
}

// DetectionError wraps a detector failure for one series.
type DetectionError struct {
	SeriesID string
	Err      error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed for %s: %v", e.SeriesID, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// SeriesErrors collects the detector failures of one pass. The anomalies of
// the other series are still returned alongside it.
type SeriesErrors []*DetectionError

func (e SeriesErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("detection failed for %d series: %v", len(e), e[0])
}

func (e SeriesErrors) Unwrap() []error {
	out := make([]error, len(e))
	for i, de := range e {
		out[i] = de
	}
	return out
}
