package target

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"
)

func init() {
	postgres := Driver{Dialect: DialectPostgres, DriverName: "pgx", DSN: postgresDSN}
	Register("postgres", postgres)
	Register("postgresql", postgres)
	Register("mysql", Driver{Dialect: DialectMySQL, DriverName: "mysql", DSN: mysqlDSN})
	Register("sqlite", Driver{Dialect: DialectSQLite, DriverName: "sqlite", DSN: fileDSN("sqlite", ":memory:")})
	Register("duckdb", Driver{Dialect: DialectDuckDB, DriverName: "duckdb", DSN: fileDSN("duckdb", "")})
}

func postgresDSN(raw string, u *url.URL) (string, error) {
	scheme, _, _ := strings.Cut(u.Scheme, "+")
	if strings.Contains(u.Scheme, "+") {
		clone := *u
		clone.Scheme = scheme
		return clone.String(), nil
	}
	return raw, nil
}

func mysqlDSN(_ string, u *url.URL) (string, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	if cfg.Addr == "" {
		cfg.Addr = "localhost:3306"
	} else if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		cfg.Addr = net.JoinHostPort(cfg.Addr, "3306")
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	if cfg.DBName == "" {
		return "", fmt.Errorf("mysql connection uri must name a database")
	}
	cfg.ParseTime = true
	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		if cfg.Params == nil {
			cfg.Params = map[string]string{}
		}
		cfg.Params[key] = values[len(values)-1]
	}
	return cfg.FormatDSN(), nil
}

// fileDSN follows the URL convention where scheme:///relative.db names a
// relative file and scheme:////abs/path.db an absolute one.
func fileDSN(scheme, memory string) func(string, *url.URL) (string, error) {
	return func(raw string, _ *url.URL) (string, error) {
		_, rest, _ := strings.Cut(raw, ":")
		rest = strings.TrimPrefix(rest, "//")
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" || rest == ":memory:" {
			return memory, nil
		}
		if strings.HasPrefix(rest, "?") {
			return memory + rest, nil
		}
		return rest, nil
	}
}
