package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

type ConnectionConfig struct {
	Type     string // mysql | postgres | mssql
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// Schema qualifies table names, e.g. "sherlock" or "dbo".
	Schema string
}

type dialect struct {
	driver string
	quote  func(string) string
	bind   func(n int) string
}

var (
	postgresDialect = dialect{
		driver: "postgres",
		quote:  func(s string) string { return `"` + s + `"` },
		bind:   func(n int) string { return "$" + strconv.Itoa(n) },
	}
	mysqlDialect = dialect{
		driver: "mysql",
		quote:  func(s string) string { return "`" + s + "`" },
		bind:   func(int) string { return "?" },
	}
	mssqlDialect = dialect{
		driver: "sqlserver",
		quote:  func(s string) string { return "[" + s + "]" },
		bind:   func(n int) string { return "@p" + strconv.Itoa(n) },
	}
)

func dialectFor(kind string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "":
		return dialect{}, errors.New("connection type is required")
	case "postgres", "postgresql":
		return postgresDialect, nil
	case "mysql":
		return mysqlDialect, nil
	case "mssql", "sqlserver":
		return mssqlDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database type %q", kind)
	}
}

// DSN renders the driver connection string for cfg.
func DSN(cfg ConnectionConfig) (string, error) {
	d, err := dialectFor(cfg.Type)
	if err != nil {
		return "", err
	}
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	switch d.driver {
	case "postgres":
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode), nil
	case "mysql":
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		if sslMode == "disable" {
			dsn += "&tls=false"
		} else if sslMode != "" {
			dsn += "&tls=true"
		}
		return dsn, nil
	default:
		if cfg.Port == 0 {
			cfg.Port = 1433
		}
		encrypt := "true"
		if sslMode == "disable" {
			encrypt = "disable"
		}
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s",
			url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password), cfg.Host, cfg.Port, cfg.Database, encrypt), nil
	}
}

// Open connects to the configured database. The connection is not verified
// until Ping.
func Open(cfg ConnectionConfig) (*Store, error) {
	d, err := dialectFor(cfg.Type)
	if err != nil {
		return nil, err
	}
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	tables, err := newTables(cfg.Schema, d)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", d.driver, err)
	}
	return &Store{db: db, dialect: d, tables: tables}, nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

func quoteQualified(ident string, maxSegments int, quote func(string) string) (string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return "", errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	if maxSegments > 0 && len(parts) > maxSegments {
		return "", fmt.Errorf("identifier %q has too many segments", ident)
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		if part == "" {
			return "", errors.New("identifier contains empty segment")
		}
		if !identPattern.MatchString(part) {
			return "", fmt.Errorf("identifier segment %q is invalid", part)
		}
		quoted[i] = quote(part)
	}
	return strings.Join(quoted, "."), nil
}

type tables struct {
	clusters string
	jobs     string
	reports  string
}

func newTables(schema string, d dialect) (tables, error) {
	qualify := func(name string) (string, error) {
		if schema != "" {
			name = schema + "." + name
		}
		return quoteQualified(name, 2, d.quote)
	}
	var (
		t   tables
		err error
	)
	if t.clusters, err = qualify("clusters"); err != nil {
		return tables{}, err
	}
	if t.jobs, err = qualify("jobs"); err != nil {
		return tables{}, err
	}
	if t.reports, err = qualify("anomaly_reports"); err != nil {
		return tables{}, err
	}
	return t, nil
}

// rebind rewrites ? placeholders into the dialect's bind syntax.
func (d dialect) rebind(query string) string {
	if d.driver == "mysql" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.bind(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
