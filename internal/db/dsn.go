package db

import (
	"fmt"
	"net/url"
	"strings"
)

// WithDatabase returns dsn with its database path replaced. A DSN without a
// scheme is treated as postgres://.
func WithDatabase(dsn, database string) (string, error) {
	u, err := parseDSN(dsn)
	if err != nil {
		return "", err
	}
	database = strings.TrimPrefix(strings.TrimSpace(database), "/")
	if database == "" {
		return "", fmt.Errorf("empty database name")
	}
	u.Path = "/" + database
	return u.String(), nil
}

// Redact hides the password of a URL-style DSN so it can be logged.
func Redact(dsn string) string {
	u, err := parseDSN(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	return u.Redacted()
}

func parseDSN(dsn string) (*url.URL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	return u, nil
}
