package db

import (
	"fmt"
	"strings"
)

// Driver identifies the storage backend selected by DATABASE_URL
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// ParseURL picks the backend from the URL scheme. For sqlite the returned
// target is the database file path.
func ParseURL(databaseURL string) (Driver, string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DriverPostgres, databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return sqliteTarget(strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return sqliteTarget(strings.TrimPrefix(databaseURL, "sqlite:"))
	case strings.HasPrefix(databaseURL, "file:"):
		return sqliteTarget(strings.TrimPrefix(databaseURL, "file:"))
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", MaskPassword(databaseURL))
	}
}

func sqliteTarget(path string) (Driver, string, error) {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "", "", fmt.Errorf("sqlite DATABASE_URL has no file path")
	}
	return DriverSQLite, path, nil
}
