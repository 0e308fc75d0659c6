// Points assigns and resolves the stable identities of measurement
// channels. A channel is matched by its vendor-stable source key, not
// by display path; once an index is handed out it is never reused or
// renumbered, so historical readings stay referable even after a
// vendor stops reporting the channel.
package points

import (
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

type Catalog struct {
	db *sql.DB
}

func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Hints carry the metric metadata used only when a previously-unseen
// channel is first persisted. Later resolves ignore them.
type Hints struct {
	Kind types.PointKind
	Unit string
	Path string
}

// Resolve returns the point reference for a vendor-stable key,
// allocating the next free index for the system on first observation.
// Safe under concurrent first-time resolution: a losing racer hits the
// (system_id, source_key) uniqueness constraint and re-reads.
func (c *Catalog) Resolve(systemID int64, key string, hints Hints) (types.PointRef, error) {
	if key == "" {
		return types.PointRef{}, fmt.Errorf("empty point key for system %d", systemID)
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ref, ok, err := c.lookup(systemID, key); err != nil {
			return types.PointRef{}, err
		} else if ok {
			return ref, nil
		}

		// Allocate max+1 atomically within the insert. A concurrent
		// allocator may win the same index (PK conflict) or the same
		// key (unique conflict); either way we retry the lookup.
		_, err := c.db.Exec(
			"INSERT INTO points (system_id, point_index, source_key, kind, unit, path, active, created_at) "+
				"SELECT ?, COALESCE(MAX(point_index), -1) + 1, ?, ?, ?, ?, 1, ? FROM points WHERE system_id = ?",
			systemID, key, hints.Kind, hints.Unit, hints.Path, time.Now().Unix(), systemID,
		)
		if err != nil {
			if isConstraintErr(err) {
				lastErr = err
				continue
			}
			return types.PointRef{}, fmt.Errorf("allocate point %q: %w", key, err)
		}
		if ref, ok, err := c.lookup(systemID, key); err != nil {
			return types.PointRef{}, err
		} else if ok {
			return ref, nil
		}
	}
	return types.PointRef{}, fmt.Errorf("allocate point %q for system %d: %w", key, systemID, lastErr)
}

func (c *Catalog) lookup(systemID int64, key string) (types.PointRef, bool, error) {
	var idx int
	err := c.db.QueryRow(
		"SELECT point_index FROM points WHERE system_id = ? AND source_key = ?",
		systemID, key,
	).Scan(&idx)
	if err == sql.ErrNoRows {
		return types.PointRef{}, false, nil
	}
	if err != nil {
		return types.PointRef{}, false, err
	}
	return types.PointRef{SystemID: systemID, Index: idx}, true, nil
}

// ResolveBatch resolves every distinct key of a batch exactly once,
// so repeated keys within one ingestion never race on allocation.
func (c *Catalog) ResolveBatch(systemID int64, readings []types.Reading) (map[string]types.PointRef, error) {
	refs := make(map[string]types.PointRef, len(readings))
	for _, r := range readings {
		if _, done := refs[r.Key]; done {
			continue
		}
		ref, err := c.Resolve(systemID, r.Key, Hints{Kind: r.Kind, Unit: r.Unit, Path: r.Path})
		if err != nil {
			return nil, err
		}
		refs[r.Key] = ref
	}
	return refs, nil
}

// GetPoint returns the full point row for a reference.
func (c *Catalog) GetPoint(ref types.PointRef) (types.Point, error) {
	var p types.Point
	err := c.db.QueryRow(
		"SELECT system_id, point_index, source_key, kind, unit, path, active FROM points "+
			"WHERE system_id = ? AND point_index = ?",
		ref.SystemID, ref.Index,
	).Scan(&p.SystemID, &p.Index, &p.SourceKey, &p.Kind, &p.Unit, &p.Path, &p.Active)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("point %d/%d not found", ref.SystemID, ref.Index)
	}
	return p, err
}

// ActivePoints lists all active points of a system, ordered by index.
func (c *Catalog) ActivePoints(systemID int64) ([]types.Point, error) {
	return c.listPoints(systemID, true)
}

// AllPoints includes deactivated channels, for historical series.
func (c *Catalog) AllPoints(systemID int64) ([]types.Point, error) {
	return c.listPoints(systemID, false)
}

func (c *Catalog) listPoints(systemID int64, activeOnly bool) ([]types.Point, error) {
	query := "SELECT system_id, point_index, source_key, kind, unit, path, active FROM points WHERE system_id = ?"
	if activeOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY point_index"

	rows, err := c.db.Query(query, systemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pts []types.Point
	for rows.Next() {
		var p types.Point
		if err := rows.Scan(&p.SystemID, &p.Index, &p.SourceKey, &p.Kind, &p.Unit, &p.Path, &p.Active); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// FilterByPath returns the active points whose dotted path matches any
// of the glob patterns. No patterns means everything.
func (c *Catalog) FilterByPath(systemID int64, patterns []string) ([]types.Point, error) {
	pts, err := c.ActivePoints(systemID)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return pts, nil
	}

	var out []types.Point
	for _, p := range pts {
		target := strings.ReplaceAll(p.Path, ".", "/")
		for _, pattern := range patterns {
			// Glob on dot-separated segments, e.g. "power.*".
			if ok, _ := path.Match(strings.ReplaceAll(pattern, ".", "/"), target); ok {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

// Deactivate marks a channel a vendor stopped reporting. The row and
// its index stay behind to keep historical references stable.
func (c *Catalog) Deactivate(ref types.PointRef) error {
	_, err := c.db.Exec(
		"UPDATE points SET active = 0 WHERE system_id = ? AND point_index = ?",
		ref.SystemID, ref.Index,
	)
	return err
}

func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
