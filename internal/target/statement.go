package target

import (
	"errors"
	"strings"
)

var (
	errEmptyStatement    = errors.New("sql is required")
	errMultipleStatement = errors.New("multiple statements are not allowed")
)

// singleStatement returns sqlText without trailing terminators and rejects
// input holding more than one statement. Quotes and comments are skipped when
// looking for separators, following the lexical rules of the dialect.
func singleStatement(sqlText string, dialect Dialect) (string, error) {
	mysqlLexer := dialect == DialectMySQL
	dollarQuotes := dialect == DialectPostgres || dialect == DialectDuckDB

	end := -1
	i := 0
	for i < len(sqlText) {
		c := sqlText[i]
		switch {
		case c == '-' && strings.HasPrefix(sqlText[i:], "--"):
			i = skipLine(sqlText, i)
			continue
		case c == '#' && mysqlLexer:
			i = skipLine(sqlText, i)
			continue
		case c == '/' && strings.HasPrefix(sqlText[i:], "/*"):
			i = skipBlock(sqlText, i)
			continue
		case c == ';':
			if end < 0 {
				end = i
			}
			i++
			continue
		case isSpace(c):
			i++
			continue
		}

		if end >= 0 {
			return "", errMultipleStatement
		}
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(sqlText, i, c, mysqlLexer)
		case c == '$' && dollarQuotes:
			i = skipDollar(sqlText, i)
		default:
			i++
		}
	}

	statement := sqlText
	if end >= 0 {
		statement = sqlText[:end]
	}
	statement = strings.TrimSpace(statement)
	if statement == "" {
		return "", errEmptyStatement
	}
	return statement, nil
}

func skipQuoted(s string, start int, quote byte, backslashEscapes bool) int {
	i := start + 1
	for i < len(s) {
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		if backslashEscapes && s[i] == '\\' && quote != '`' {
			i += 2
			continue
		}
		i++
	}
	return len(s)
}

func skipLine(s string, start int) int {
	if idx := strings.IndexByte(s[start:], '\n'); idx >= 0 {
		return start + idx + 1
	}
	return len(s)
}

func skipBlock(s string, start int) int {
	if idx := strings.Index(s[start+2:], "*/"); idx >= 0 {
		return start + 2 + idx + 2
	}
	return len(s)
}

func skipDollar(s string, start int) int {
	j := start + 1
	for j < len(s) && (s[j] == '_' || isAlnum(s[j])) {
		j++
	}
	if j >= len(s) || s[j] != '$' {
		return start + 1
	}
	tag := s[start : j+1]
	if idx := strings.Index(s[j+1:], tag); idx >= 0 {
		return j + 1 + idx + len(tag)
	}
	return len(s)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
