// Ingest accepts normalized reading batches for a session, persists
// them idempotently and write-through-triggers the 5-minute aggregator
// and the latest-value index.
package ingest

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/aggregator"
	"github.com/nexwatt/fleet_telemetry/pkg/points"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

var ErrSessionMismatch = fmt.Errorf("session belongs to a different system")

type Service struct {
	db      *sql.DB
	catalog *points.Catalog
	agg     *aggregator.Service

	// OnIngest, when set, is called after every successful batch with
	// the refreshed latest values. Used for the live websocket stream.
	OnIngest func(systemID int64, values []types.LatestValue)
}

func New(db *sql.DB, catalog *points.Catalog, agg *aggregator.Service) *Service {
	return &Service{db: db, catalog: catalog, agg: agg}
}

// InsertReadings stores one batch. Each reading resolves its point
// through the catalog first; the insert rejects duplicates of
// (system, point, measurement time) and reports them as conflicts
// instead of overwriting, which is what keeps retried push deliveries
// idempotent. The batch's inserts, bucket folds and latest-value
// updates commit as one transaction: the bucket fold is a
// read-modify-write, and two batches interleaving on the same window
// would drop samples. An error rolls the whole batch back.
func (s *Service) InsertReadings(systemID int64, session types.Session, readings []types.Reading) (stored, conflicts int, err error) {
	// A reading batch citing a session of another system is a
	// programmer error, rejected before anything is written.
	if session.SystemID != systemID {
		return 0, 0, fmt.Errorf("%w: batch for system %d, session %d for system %d",
			ErrSessionMismatch, systemID, session.ID, session.SystemID)
	}
	if len(readings) == 0 {
		return 0, 0, nil
	}

	refs, err := s.catalog.ResolveBatch(systemID, readings)
	if err != nil {
		return 0, 0, err
	}

	receivedAt := time.Now().Unix()
	var latest []types.LatestValue

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin ingest batch: %w", err)
	}
	defer tx.Rollback()

	for _, r := range readings {
		ref := refs[r.Key]

		var value, text any
		if r.Kind == types.PointText {
			text = r.Text
		} else {
			value = r.Value
		}

		res, err := tx.Exec(
			"INSERT INTO readings (system_id, point_index, session_id, measured_at, received_at, value, text_value) "+
				"VALUES (?, ?, ?, ?, ?, ?, ?) "+
				"ON CONFLICT (system_id, point_index, measured_at) DO NOTHING",
			systemID, ref.Index, session.ID, r.MeasuredAt, receivedAt, value, text,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("insert reading %s@%d: %w", r.Key, r.MeasuredAt, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, err
		}
		if n == 0 {
			conflicts++
			continue
		}
		stored++

		point, err := s.catalog.GetPoint(ref)
		if err != nil {
			return 0, 0, err
		}
		if err := s.agg.UpsertBucketTx(tx, systemID, point, session.ID, r); err != nil {
			return 0, 0, err
		}

		lv, err := s.upsertLatest(tx, systemID, point, r, receivedAt)
		if err != nil {
			return 0, 0, err
		}
		if lv != nil {
			latest = append(latest, *lv)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit ingest batch: %w", err)
	}

	if stored > 0 && s.OnIngest != nil && len(latest) > 0 {
		s.OnIngest(systemID, latest)
	}
	return stored, conflicts, nil
}

// upsertLatest refreshes the latest-value row for the reading's path.
// Older measurements never displace newer ones, so out-of-order
// backfill cannot go "back in time".
func (s *Service) upsertLatest(tx *sql.Tx, systemID int64, point types.Point, r types.Reading, receivedAt int64) (*types.LatestValue, error) {
	if point.Path == "" {
		return nil, nil
	}

	var value, text any
	if point.Kind == types.PointText {
		text = r.Text
	} else {
		value = r.Value
	}

	res, err := tx.Exec(
		"INSERT INTO latest_values (system_id, path, value, text_value, unit, measured_at, received_at) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (system_id, path) DO UPDATE SET "+
			"value = excluded.value, text_value = excluded.text_value, unit = excluded.unit, "+
			"measured_at = excluded.measured_at, received_at = excluded.received_at "+
			"WHERE excluded.measured_at >= latest_values.measured_at",
		systemID, point.Path, value, text, point.Unit, r.MeasuredAt, receivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert latest %s: %w", point.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	return &types.LatestValue{
		SystemID:   systemID,
		Path:       point.Path,
		Value:      r.Value,
		Text:       r.Text,
		Unit:       point.Unit,
		MeasuredAt: r.MeasuredAt,
		ReceivedAt: receivedAt,
	}, nil
}

// Latest returns the latest-value index of a system, ordered by path.
func (s *Service) Latest(systemID int64) ([]types.LatestValue, error) {
	rows, err := s.db.Query(
		"SELECT system_id, path, value, text_value, unit, measured_at, received_at "+
			"FROM latest_values WHERE system_id = ? ORDER BY path",
		systemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.LatestValue
	for rows.Next() {
		var lv types.LatestValue
		var value sql.NullFloat64
		var text sql.NullString
		if err := rows.Scan(&lv.SystemID, &lv.Path, &value, &text, &lv.Unit, &lv.MeasuredAt, &lv.ReceivedAt); err != nil {
			return nil, err
		}
		lv.Value = value.Float64
		lv.Text = text.String
		out = append(out, lv)
	}
	return out, rows.Err()
}

// ClearLatest drops a system's latest-value index. Pure cache
// invalidation: the index refills on the next ingestion.
func (s *Service) ClearLatest(systemID int64) error {
	_, err := s.db.Exec("DELETE FROM latest_values WHERE system_id = ?", systemID)
	return err
}
