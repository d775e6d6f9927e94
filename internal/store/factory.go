package store

import "strings"

// New selects a backend from the DSN scheme. postgres:// and postgresql://
// URLs get the PostgreSQL store; anything else is treated as a SQLite path.
func New(dsn string, ci bool) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(dsn)
	}
	return NewSQLite(dsn, ci)
}
