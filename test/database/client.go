// Package database wires test databases for integration tests.
package database

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Prad-v/FlowGate-sub000/pkg/database"
	"github.com/Prad-v/FlowGate-sub000/test/util"
)

// NewTestClient creates a migrated test database client.
// In CI (when CI_DATABASE_URL is set): connects to the external
// PostgreSQL service container. In local dev: spins up a shared
// testcontainer. Cleanup runs automatically when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	return database.NewClientFromPool(NewTestPool(t))
}

// NewTestPool creates a migrated per-test schema and returns a pool
// pointed at it.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	return util.SetupTestPool(t)
}
