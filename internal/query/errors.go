package query

import "errors"

var (
	ErrEmptyQuery      = errors.New("empty query string provided")
	ErrMalformedQuery  = errors.New("invalid query syntax, check JSON brackets")
	ErrQueryParse      = errors.New("parsing query json failed")
	ErrIncompleteQuery = errors.New("query is missing parameters")
	ErrEmptyWindow     = errors.New("query window is empty")
)

// BuildError is returned by Build for every rejected template.
type BuildError struct {
	Err    error
	Detail string
}

func (e *BuildError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func buildErr(err error, detail string) error {
	return &BuildError{Err: err, Detail: detail}
}
