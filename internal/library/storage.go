package library

import (
	"context"
	"fmt"
	"os"

	"mezocore/internal/library/persistence"
	"mezocore/internal/library/persistence/memory"
	"mezocore/internal/library/persistence/postgres"
	"mezocore/internal/library/persistence/sqlite"
)

// StorageDriver identifies a concrete persistence implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a persistence backend using environment
// variables. Defaults to sqlite when unset.
//
//	MEZOCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	MEZOCORE_SQLITE_PATH: path to sqlite file (default ./mezocore.db)
//	MEZOCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(ctx context.Context) (persistence.Store, error) {
	driver := os.Getenv("MEZOCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("MEZOCORE_SQLITE_PATH"))
	case StoragePostgres:
		return postgres.NewStore(ctx, os.Getenv("MEZOCORE_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
