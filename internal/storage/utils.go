package storage

import (
	"fmt"
	"strings"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/storage"
)

// InitStore picks a backend from the connection string:
// "memory", "postgres://..." / "postgresql://...", or "sqlite://<path>".
func InitStore(dbConnStr string) (storage.Store, error) {
	switch {
	case dbConnStr == "memory":
		return storage.NewMockStore(), nil
	case strings.HasPrefix(dbConnStr, "postgres://"), strings.HasPrefix(dbConnStr, "postgresql://"):
		return NewPostgresStore(dbConnStr)
	case strings.HasPrefix(dbConnStr, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(dbConnStr, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported database url %q (want memory, postgres:// or sqlite://)", redact(dbConnStr))
	}
}

// redact hides credentials in a connection string before it reaches a log line.
func redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}
