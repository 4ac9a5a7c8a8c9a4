package target

import (
	"errors"
	"testing"
)

func TestSingleStatement(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
		wantErr error
	}{
		{name: "plain", dialect: DialectPostgres, in: "SELECT 1", want: "SELECT 1"},
		{name: "trailing terminators", dialect: DialectPostgres, in: "SELECT 1;;  \n", want: "SELECT 1"},
		{name: "trailing comment", dialect: DialectPostgres, in: "SELECT 1; -- done", want: "SELECT 1"},
		{name: "semicolon in string", dialect: DialectPostgres, in: "SELECT 'a;b' AS v", want: "SELECT 'a;b' AS v"},
		{name: "semicolon in identifier", dialect: DialectPostgres, in: `SELECT 1 AS "x;y"`, want: `SELECT 1 AS "x;y"`},
		{name: "dollar quoted", dialect: DialectPostgres, in: "SELECT $tag$a;b$tag$", want: "SELECT $tag$a;b$tag$"},
		{name: "block comment", dialect: DialectSQLite, in: "SELECT /* ; */ 1", want: "SELECT /* ; */ 1"},
		{name: "mysql hash comment", dialect: DialectMySQL, in: "SELECT 1; # trailing", want: "SELECT 1"},
		{name: "mysql escaped quote", dialect: DialectMySQL, in: `SELECT 'it\'s;fine'`, want: `SELECT 'it\'s;fine'`},
		{name: "two statements", dialect: DialectPostgres, in: "SELECT 1; DROP TABLE users", wantErr: errMultipleStatement},
		{name: "string after terminator", dialect: DialectPostgres, in: "SELECT 1; 'x'", wantErr: errMultipleStatement},
		{name: "backslash is literal outside mysql", dialect: DialectPostgres, in: `SELECT 'a\'; DROP TABLE t; --'`, wantErr: errMultipleStatement},
		{name: "hash is not a comment outside mysql", dialect: DialectPostgres, in: "SELECT 1 # 2; DROP TABLE t", wantErr: errMultipleStatement},
		{name: "empty", dialect: DialectPostgres, in: " ; ", wantErr: errEmptyStatement},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := singleStatement(tt.in, tt.dialect)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("singleStatement() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("singleStatement() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("singleStatement() = %q, want %q", got, tt.want)
			}
		})
	}
}
