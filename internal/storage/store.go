// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production/multi-tenant).
package storage

import (
	"context"

	"github.com/jkaninda/kazi/internal/dispatch"
	"github.com/jkaninda/kazi/internal/session"
)

// Store is the unified persistence interface for Kazi.
// It provides access to domain-specific sub-stores through accessor methods.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors — each returns a domain-specific store interface.
	// The returned stores share the same underlying connection.
	Sessions() session.Store
	Tasks() dispatch.TaskStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
