package target

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
	DialectDuckDB   Dialect = "duckdb"
)

// Driver turns a template connection URI into a database/sql driver name and DSN.
type Driver struct {
	Dialect    Dialect
	DriverName string
	DSN        func(raw string, u *url.URL) (string, error)
}

// Descriptor is a resolved template connection. Raw must never be shown to callers.
type Descriptor struct {
	Raw        string
	Dialect    Dialect
	DriverName string
	DSN        string
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// Register binds a URI scheme to a driver. Later registrations replace earlier ones.
func Register(scheme string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[strings.ToLower(scheme)] = driver
}

func Schemes() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for scheme := range drivers {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// Resolve parses a connection URI. Scheme suffixes such as "mysql+pymysql"
// select the base scheme.
func Resolve(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Descriptor{}, fmt.Errorf("connection uri is required")
	}
	scheme, _, found := strings.Cut(raw, ":")
	if !found || scheme == "" {
		return Descriptor{}, fmt.Errorf("connection uri %q has no scheme", Redact(raw))
	}
	scheme = strings.ToLower(scheme)
	if base, _, ok := strings.Cut(scheme, "+"); ok {
		scheme = base
	}

	driversMu.RLock()
	driver, ok := drivers[scheme]
	driversMu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("unsupported database scheme %q (supported: %s)", scheme, strings.Join(Schemes(), ", "))
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("parse connection uri %q: %w", Redact(raw), redactError(raw, err))
	}
	dsn, err := driver.DSN(raw, parsed)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Raw:        raw,
		Dialect:    driver.Dialect,
		DriverName: driver.DriverName,
		DSN:        dsn,
	}, nil
}

// Redact hides credentials in a connection URI.
func Redact(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		if at := strings.LastIndex(raw, "@"); at >= 0 {
			if sep := strings.Index(raw, "://"); sep >= 0 && sep < at {
				return raw[:sep+3] + "xxxxx" + raw[at:]
			}
		}
		return raw
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
	}
	return parsed.String()
}

func redactError(raw string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, raw) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(msg, raw, Redact(raw)))
}
