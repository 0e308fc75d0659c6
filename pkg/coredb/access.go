package coredb

import (
	"database/sql"
	"fmt"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

// UpsertSystem writes one system record. The id is caller-assigned and
// immutable; re-upserting an existing id only refreshes the mutable
// attributes.
func UpsertSystem(db *sql.DB, sys types.System) error {
	_, err := db.Exec(
		"INSERT INTO systems (id, vendor, vendor_site_id, status, tz_offset_min, owner_ref) "+
			"VALUES (?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (id) DO UPDATE SET "+
			"vendor = excluded.vendor, vendor_site_id = excluded.vendor_site_id, "+
			"status = excluded.status, tz_offset_min = excluded.tz_offset_min, owner_ref = excluded.owner_ref",
		sys.ID, sys.Vendor, sys.VendorSiteID, sys.Status, sys.TZOffsetMin, sys.OwnerRef,
	)
	return err
}

func GetSystem(db *sql.DB, id int64) (types.System, error) {
	var sys types.System
	err := db.QueryRow(
		"SELECT id, vendor, vendor_site_id, status, tz_offset_min, owner_ref FROM systems WHERE id = ?",
		id,
	).Scan(&sys.ID, &sys.Vendor, &sys.VendorSiteID, &sys.Status, &sys.TZOffsetMin, &sys.OwnerRef)
	if err == sql.ErrNoRows {
		return sys, fmt.Errorf("system %d not found", id)
	}
	return sys, err
}

// GetSystemByVendorSite resolves a push delivery's site id to a system.
// (vendor, vendor_site_id) pairs may repeat; the first active match wins.
func GetSystemByVendorSite(db *sql.DB, vendor, siteID string) (types.System, error) {
	var sys types.System
	err := db.QueryRow(
		"SELECT id, vendor, vendor_site_id, status, tz_offset_min, owner_ref FROM systems "+
			"WHERE vendor = ? AND vendor_site_id = ? AND status = ? ORDER BY id LIMIT 1",
		vendor, siteID, types.SystemActive,
	).Scan(&sys.ID, &sys.Vendor, &sys.VendorSiteID, &sys.Status, &sys.TZOffsetMin, &sys.OwnerRef)
	if err == sql.ErrNoRows {
		return sys, fmt.Errorf("no active %s system for site %q", vendor, siteID)
	}
	return sys, err
}

// ListSystemsByStatus returns all systems with the given status,
// ordered by id for deterministic scheduling.
func ListSystemsByStatus(db *sql.DB, status types.SystemStatus) ([]types.System, error) {
	rows, err := db.Query(
		"SELECT id, vendor, vendor_site_id, status, tz_offset_min, owner_ref FROM systems WHERE status = ? ORDER BY id",
		status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var systems []types.System
	for rows.Next() {
		var sys types.System
		if err := rows.Scan(&sys.ID, &sys.Vendor, &sys.VendorSiteID, &sys.Status, &sys.TZOffsetMin, &sys.OwnerRef); err != nil {
			return nil, err
		}
		systems = append(systems, sys)
	}
	return systems, rows.Err()
}
