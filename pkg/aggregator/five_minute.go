package aggregator

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/units"
)

// dbtx is the common surface of *sql.DB and *sql.Tx, so the bucket
// fold can run inside the caller's transaction.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// UpsertBucket folds one raw reading into its 5-minute bucket. The
// interval end is the ceiling of the measurement time to the grid, so
// a sample landing exactly on a boundary closes the bucket ending
// there. Buckets are touched repeatedly as more samples for the same
// window arrive; each touch is an upsert keyed by (system, interval
// end). Readings on paths outside the aggregated channel set are
// ignored.
func (s *Service) UpsertBucket(systemID int64, point types.Point, sessionID int64, r types.Reading) error {
	return s.upsertBucket(s.db, systemID, point, sessionID, r)
}

// UpsertBucketTx is UpsertBucket inside an existing transaction. The
// fold is a read-modify-write; concurrent batches touching the same
// window must serialize through the transaction's write lock or one
// batch's samples get lost.
func (s *Service) UpsertBucketTx(tx *sql.Tx, systemID int64, point types.Point, sessionID int64, r types.Reading) error {
	return s.upsertBucket(tx, systemID, point, sessionID, r)
}

func (s *Service) upsertBucket(q dbtx, systemID int64, point types.Point, sessionID int64, r types.Reading) error {
	if !aggregates(point) {
		return nil
	}

	end := units.IntervalEnd(r.MeasuredAt)
	bucket, err := loadBucket(q, systemID, end)
	if err != nil {
		return err
	}
	if bucket == nil {
		bucket = &types.FiveMinAggregate{SystemID: systemID, IntervalEnd: end}
	}

	fold(bucket, point, r)
	bucket.SessionID = sessionID
	bucket.SampleCount++

	return writeBucket(q, bucket)
}

func aggregates(p types.Point) bool {
	switch p.Path {
	case types.PathPowerSolar, types.PathPowerLoad, types.PathPowerBattery, types.PathPowerGrid,
		types.PathSOCBattery,
		types.PathEnergySolar, types.PathEnergyLoad, types.PathEnergyBattIn, types.PathEnergyBattOut,
		types.PathEnergyGridIn, types.PathEnergyGridOut:
		return true
	}
	return false
}

func fold(b *types.FiveMinAggregate, p types.Point, r types.Reading) {
	switch p.Path {
	case types.PathPowerSolar:
		foldStats(&b.Solar, r.Value)
	case types.PathPowerLoad:
		foldStats(&b.Load, r.Value)
	case types.PathPowerBattery:
		foldStats(&b.Battery, r.Value)
	case types.PathPowerGrid:
		foldStats(&b.Grid, r.Value)
	case types.PathSOCBattery:
		// Last value with the highest measurement time wins.
		if r.MeasuredAt >= b.SOCAt {
			v := r.Value
			b.SOC = &v
			b.SOCAt = r.MeasuredAt
		}
	case types.PathEnergySolar:
		foldCounter(&b.SolarKwh, r)
	case types.PathEnergyLoad:
		foldCounter(&b.LoadKwh, r)
	case types.PathEnergyBattIn:
		foldCounter(&b.BattInKwh, r)
	case types.PathEnergyBattOut:
		foldCounter(&b.BattOutKwh, r)
	case types.PathEnergyGridIn:
		foldCounter(&b.GridInKwh, r)
	case types.PathEnergyGridOut:
		foldCounter(&b.GridOutKwh, r)
	}
}

func foldStats(st *types.RunningStats, watts float64) {
	// Battery and grid power go negative; round half away from zero.
	w := int64(math.Round(watts))
	if st.Count == 0 || w < st.MinW {
		st.MinW = w
	}
	if st.Count == 0 || w > st.MaxW {
		st.MaxW = w
	}
	st.SumW += watts
	st.Count++
}

func foldCounter(c *types.CounterSample, r types.Reading) {
	if r.MeasuredAt >= c.At {
		v := r.Value
		c.Kwh = &v
		c.At = r.MeasuredAt
	}
}

// Bucket loads one 5-minute row, or nil when absent.
func (s *Service) Bucket(systemID, intervalEnd int64) (*types.FiveMinAggregate, error) {
	return loadBucket(s.db, systemID, intervalEnd)
}

func loadBucket(q dbtx, systemID, intervalEnd int64) (*types.FiveMinAggregate, error) {
	row := q.QueryRow(
		"SELECT "+bucketColumns+" FROM agg_5min WHERE system_id = ? AND interval_end = ?",
		systemID, intervalEnd,
	)
	b, err := scanBucket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bucket %d/%d: %w", systemID, intervalEnd, err)
	}
	return b, nil
}

// BucketsBetween returns the buckets with interval_end in (after,
// upTo], ordered by interval end. The half-open lower bound keeps a
// bucket ending exactly at a day boundary with the earlier day.
func (s *Service) BucketsBetween(systemID, after, upTo int64) ([]types.FiveMinAggregate, error) {
	rows, err := s.db.Query(
		"SELECT "+bucketColumns+" FROM agg_5min "+
			"WHERE system_id = ? AND interval_end > ? AND interval_end <= ? ORDER BY interval_end",
		systemID, after, upTo,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FiveMinAggregate
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// latestBucketAtOrBefore finds the previous-day baseline bucket.
func (s *Service) latestBucketAtOrBefore(systemID, ts int64) (*types.FiveMinAggregate, error) {
	row := s.db.QueryRow(
		"SELECT "+bucketColumns+" FROM agg_5min "+
			"WHERE system_id = ? AND interval_end <= ? ORDER BY interval_end DESC LIMIT 1",
		systemID, ts,
	)
	b, err := scanBucket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

const bucketColumns = "system_id, interval_end, session_id, sample_count, " +
	"solar_min_w, solar_max_w, solar_sum_w, solar_n, " +
	"load_min_w, load_max_w, load_sum_w, load_n, " +
	"batt_min_w, batt_max_w, batt_sum_w, batt_n, " +
	"grid_min_w, grid_max_w, grid_sum_w, grid_n, " +
	"soc_pct, soc_at, " +
	"solar_kwh, solar_kwh_at, load_kwh, load_kwh_at, " +
	"batt_in_kwh, batt_in_kwh_at, batt_out_kwh, batt_out_kwh_at, " +
	"grid_in_kwh, grid_in_kwh_at, grid_out_kwh, grid_out_kwh_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (*types.FiveMinAggregate, error) {
	var b types.FiveMinAggregate
	var mins, maxs [4]sql.NullInt64
	var soc sql.NullFloat64
	var counters [6]sql.NullFloat64

	err := row.Scan(
		&b.SystemID, &b.IntervalEnd, &b.SessionID, &b.SampleCount,
		&mins[0], &maxs[0], &b.Solar.SumW, &b.Solar.Count,
		&mins[1], &maxs[1], &b.Load.SumW, &b.Load.Count,
		&mins[2], &maxs[2], &b.Battery.SumW, &b.Battery.Count,
		&mins[3], &maxs[3], &b.Grid.SumW, &b.Grid.Count,
		&soc, &b.SOCAt,
		&counters[0], &b.SolarKwh.At, &counters[1], &b.LoadKwh.At,
		&counters[2], &b.BattInKwh.At, &counters[3], &b.BattOutKwh.At,
		&counters[4], &b.GridInKwh.At, &counters[5], &b.GridOutKwh.At,
	)
	if err != nil {
		return nil, err
	}

	stats := [...]*types.RunningStats{&b.Solar, &b.Load, &b.Battery, &b.Grid}
	for i, st := range stats {
		if mins[i].Valid {
			st.MinW = mins[i].Int64
		}
		if maxs[i].Valid {
			st.MaxW = maxs[i].Int64
		}
	}
	if soc.Valid {
		v := soc.Float64
		b.SOC = &v
	}
	slots := [...]*types.CounterSample{&b.SolarKwh, &b.LoadKwh, &b.BattInKwh, &b.BattOutKwh, &b.GridInKwh, &b.GridOutKwh}
	for i, slot := range slots {
		if counters[i].Valid {
			v := counters[i].Float64
			slot.Kwh = &v
		}
	}
	return &b, nil
}

func writeBucket(q dbtx, b *types.FiveMinAggregate) error {
	nullableMin := func(st types.RunningStats) any {
		if st.Count == 0 {
			return nil
		}
		return st.MinW
	}
	nullableMax := func(st types.RunningStats) any {
		if st.Count == 0 {
			return nil
		}
		return st.MaxW
	}
	counterVal := func(c types.CounterSample) any {
		if c.Kwh == nil {
			return nil
		}
		return *c.Kwh
	}
	var socVal any
	if b.SOC != nil {
		socVal = *b.SOC
	}

	_, err := q.Exec(
		"INSERT OR REPLACE INTO agg_5min ("+bucketColumns+") VALUES "+
			"(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		b.SystemID, b.IntervalEnd, b.SessionID, b.SampleCount,
		nullableMin(b.Solar), nullableMax(b.Solar), b.Solar.SumW, b.Solar.Count,
		nullableMin(b.Load), nullableMax(b.Load), b.Load.SumW, b.Load.Count,
		nullableMin(b.Battery), nullableMax(b.Battery), b.Battery.SumW, b.Battery.Count,
		nullableMin(b.Grid), nullableMax(b.Grid), b.Grid.SumW, b.Grid.Count,
		socVal, b.SOCAt,
		counterVal(b.SolarKwh), b.SolarKwh.At, counterVal(b.LoadKwh), b.LoadKwh.At,
		counterVal(b.BattInKwh), b.BattInKwh.At, counterVal(b.BattOutKwh), b.BattOutKwh.At,
		counterVal(b.GridInKwh), b.GridInKwh.At, counterVal(b.GridOutKwh), b.GridOutKwh.At,
	)
	if err != nil {
		return fmt.Errorf("upsert bucket %d/%d: %w", b.SystemID, b.IntervalEnd, err)
	}
	return nil
}
