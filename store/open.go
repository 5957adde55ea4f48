// Package store selects a billing.RemoteStore backend from a DSN.
//
//	memory://                      in-process maps, lost on exit
//	sqlite:///var/lib/invoices.db  mattn/go-sqlite3 file (sqlite://:memory: also works)
//	postgres://user:pw@host/db     lib/pq
//
// A bare path without a scheme is treated as a SQLite file.
package store

import (
	"fmt"
	"strings"

	"github.com/warp/invoice-engine/billing"
	memstore "github.com/warp/invoice-engine/billing/store"
	"github.com/warp/invoice-engine/store/postgres"
	"github.com/warp/invoice-engine/store/sqlite"
)

// Open returns the backend named by dsn's scheme.
func Open(dsn string) (billing.RemoteStore, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return memstore.NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.New(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.New(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported database dsn scheme %q: %w", dsn[:strings.Index(dsn, "://")], billing.ErrInvalidInput)
	default:
		return sqlite.New(dsn)
	}
}

// Backend names the backend Open would choose, for logging.
func Backend(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}
