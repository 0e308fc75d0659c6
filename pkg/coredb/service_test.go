package coredb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestOpenAppliesSchema guards the migration wiring end to end: a
// fresh file must come back with every table the store depends on, or
// the first insert anywhere would fail with "no such table".
func TestOpenAppliesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{
		"systems", "points", "sessions", "readings",
		"agg_5min", "agg_daily", "polling_status", "latest_values",
	} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s missing after Open", table)
	}

	// And the store is actually writable through the migrated schema.
	require.NoError(t, UpsertSystem(db, types.System{
		ID: 1, Vendor: "dsmr", VendorSiteID: "/dev/ttyUSB0", Status: types.SystemActive,
	}))
	sys, err := GetSystem(db, 1)
	require.NoError(t, err)
	assert.Equal(t, "dsmr", sys.Vendor)
}

func TestUpsertSystemRefreshesAttributes(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, UpsertSystem(db, types.System{
		ID: 7, Vendor: "evlink", VendorSiteID: "veh-7", Status: types.SystemActive, TZOffsetMin: 60,
	}))
	require.NoError(t, UpsertSystem(db, types.System{
		ID: 7, Vendor: "evlink", VendorSiteID: "veh-7", Status: types.SystemDisabled, TZOffsetMin: 120,
	}))

	sys, err := GetSystem(db, 7)
	require.NoError(t, err)
	assert.Equal(t, types.SystemDisabled, sys.Status)
	assert.Equal(t, 120, sys.TZOffsetMin)

	active, err := ListSystemsByStatus(db, types.SystemActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}
