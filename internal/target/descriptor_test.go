package target

import (
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		raw        string
		dialect    Dialect
		driverName string
		dsn        string
	}{
		{raw: "postgres://u:p@db:5432/sales?sslmode=disable", dialect: DialectPostgres, driverName: "pgx", dsn: "postgres://u:p@db:5432/sales?sslmode=disable"},
		{raw: "postgresql+psycopg2://u:p@db/sales", dialect: DialectPostgres, driverName: "pgx", dsn: "postgresql://u:p@db/sales"},
		{raw: "mysql+pymysql://u:p@db/shop", dialect: DialectMySQL, driverName: "mysql", dsn: "u:p@tcp(db:3306)/shop?parseTime=true"},
		{raw: "sqlite:///data/app.db", dialect: DialectSQLite, driverName: "sqlite", dsn: "data/app.db"},
		{raw: "sqlite:////var/lib/app.db", dialect: DialectSQLite, driverName: "sqlite", dsn: "/var/lib/app.db"},
		{raw: "sqlite://", dialect: DialectSQLite, driverName: "sqlite", dsn: ":memory:"},
		{raw: "duckdb:////tmp/w.duckdb", dialect: DialectDuckDB, driverName: "duckdb", dsn: "/tmp/w.duckdb"},
		{raw: "duckdb://", dialect: DialectDuckDB, driverName: "duckdb", dsn: ""},
	}
	for _, tt := range tests {
		desc, err := Resolve(tt.raw)
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", tt.raw, err)
		}
		if desc.Dialect != tt.dialect || desc.DriverName != tt.driverName || desc.DSN != tt.dsn {
			t.Fatalf("Resolve(%q) = %+v", tt.raw, desc)
		}
	}
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	_, err := Resolve("oracle://scott:tiger@db/orcl")
	if err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if strings.Contains(err.Error(), "tiger") {
		t.Fatalf("error leaks credentials: %v", err)
	}
}

func TestResolveRequiresMySQLDatabase(t *testing.T) {
	if _, err := Resolve("mysql://u:p@db"); err == nil {
		t.Fatal("expected error for mysql uri without database")
	}
}

func TestRedact(t *testing.T) {
	got := Redact("postgres://app:s3cret@db:5432/sales")
	if strings.Contains(got, "s3cret") {
		t.Fatalf("Redact() = %q", got)
	}
	if !strings.Contains(got, "app:xxxxx@db:5432") {
		t.Fatalf("Redact() = %q", got)
	}
	if Redact("sqlite:///app.db") != "sqlite:///app.db" {
		t.Fatalf("Redact() changed a uri without credentials")
	}
}
