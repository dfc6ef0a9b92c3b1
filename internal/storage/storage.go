// Package storage selects a ledger backend from configuration.
package storage

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
	"github.com/tjfontaine/cinetech-relay/internal/storage/memory"
	"github.com/tjfontaine/cinetech-relay/internal/storage/sqldb"
)

// New opens the ledger store named by cfg.Driver.
func New(cfg config.StorageConfig) (ports.LedgerStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return memory.New(), nil
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx", "mysql", "mariadb":
		driver := cfg.Driver
		if driver == "" {
			driver = "sqlite"
		}
		store, err := sqldb.New(sqldb.Config{Driver: driver, DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
