// Coredb owns the acquisition store: systems, points, sessions, raw
// readings, interval and daily aggregates, polling status and the
// latest-value index. It is only written to by the collector but can
// be read by any service sharing the SQLite file.
package coredb

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/NotCoffee418/dbmigrator"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (creating if needed) the store at path and applies any
// pending migrations. Callers own the returned handle.
func Open(path string) (*sql.DB, error) {
	// busy_timeout and foreign_keys are per-connection, so they go on
	// the DSN where every pooled connection picks them up. Transactions
	// begin immediate: the ingest path read-modify-writes aggregate
	// buckets inside one, and a deferred begin could invalidate its
	// snapshot mid-batch.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	// Concurrent poll + push write paths share this handle; WAL keeps
	// readers out of the writers' way.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store pragmas: %w", err)
	}

	// Apply migrations
	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		db,
		migrationFS,
		"migrations",
	)
	return db, nil
}
