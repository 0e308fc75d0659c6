package aggregator

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/coredb"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/units"
)

// AggregateDay rolls a system's 5-minute buckets up into one row for
// the given local calendar day. Day boundaries come from the system's
// timezone offset; the bucket window is half-open on the left so a
// bucket ending exactly at local midnight stays with the previous day.
// With no buckets in the window nothing is written and nil is
// returned. Safe to re-run: the row is upserted by (system, day).
func (s *Service) AggregateDay(systemID int64, day string) (*types.DailyAggregate, error) {
	sys, err := coredb.GetSystem(s.db, systemID)
	if err != nil {
		return nil, err
	}
	dayStart, dayEnd, err := units.DayBounds(day, sys.TZOffsetMin)
	if err != nil {
		return nil, err
	}

	buckets, err := s.BucketsBetween(systemID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	if len(buckets) == 0 {
		return nil, nil
	}

	agg := &types.DailyAggregate{
		SystemID:      systemID,
		Day:           day,
		IntervalCount: len(buckets),
	}

	foldDayStats(&agg.Solar, buckets, func(b types.FiveMinAggregate) types.RunningStats { return b.Solar })
	foldDayStats(&agg.Load, buckets, func(b types.FiveMinAggregate) types.RunningStats { return b.Load })
	foldDayStats(&agg.Battery, buckets, func(b types.FiveMinAggregate) types.RunningStats { return b.Battery })
	foldDayStats(&agg.Grid, buckets, func(b types.FiveMinAggregate) types.RunningStats { return b.Grid })

	foldDaySOC(agg, buckets)

	// End-of-day lifetime counter snapshots: per channel, the value of
	// the latest bucket in the day that carries one.
	agg.EndSolarKwh = lastCounter(buckets, func(b types.FiveMinAggregate) types.CounterSample { return b.SolarKwh })
	agg.EndLoadKwh = lastCounter(buckets, func(b types.FiveMinAggregate) types.CounterSample { return b.LoadKwh })
	agg.EndBattInKwh = lastCounter(buckets, func(b types.FiveMinAggregate) types.CounterSample { return b.BattInKwh })
	agg.EndBattOutKwh = lastCounter(buckets, func(b types.FiveMinAggregate) types.CounterSample { return b.BattOutKwh })
	agg.EndGridInKwh = lastCounter(buckets, func(b types.FiveMinAggregate) types.CounterSample { return b.GridInKwh })
	agg.EndGridOutKwh = lastCounter(buckets, func(b types.FiveMinAggregate) types.CounterSample { return b.GridOutKwh })

	// Energy deltas difference lifetime counters against the latest
	// bucket at or before the day start. No baseline (first aggregated
	// day) means null deltas, not zero.
	baseline, err := s.latestBucketAtOrBefore(systemID, dayStart)
	if err != nil {
		return nil, err
	}
	if baseline != nil {
		agg.SolarKwh = s.delta(agg, agg.EndSolarKwh, baseline.SolarKwh.Kwh)
		agg.LoadKwh = s.delta(agg, agg.EndLoadKwh, baseline.LoadKwh.Kwh)
		agg.BattInKwh = s.delta(agg, agg.EndBattInKwh, baseline.BattInKwh.Kwh)
		agg.BattOutKwh = s.delta(agg, agg.EndBattOutKwh, baseline.BattOutKwh.Kwh)
		agg.GridInKwh = s.delta(agg, agg.EndGridInKwh, baseline.GridInKwh.Kwh)
		agg.GridOutKwh = s.delta(agg, agg.EndGridOutKwh, baseline.GridOutKwh.Kwh)
		if agg.CounterReset {
			log.Printf("Counter reset detected for system %d on %s, deltas flagged", systemID, day)
		}
	}

	if err := s.writeDaily(agg); err != nil {
		return nil, err
	}
	return s.Daily(systemID, day)
}

// delta computes end - baseline rounded to 3 decimals. A negative
// result means the vendor's lifetime counter was reset; the delta is
// withheld and the row flagged rather than clamped.
func (s *Service) delta(agg *types.DailyAggregate, end, baseline *float64) *float64 {
	if end == nil || baseline == nil {
		return nil
	}
	d := units.Round3(*end - *baseline)
	if d < 0 {
		agg.CounterReset = true
		return nil
	}
	return &d
}

func foldDayStats(out *types.DayStats, buckets []types.FiveMinAggregate, pick func(types.FiveMinAggregate) types.RunningStats) {
	var sum float64
	var count int64
	for _, b := range buckets {
		st := pick(b)
		if !st.Valid() {
			continue
		}
		if !out.Valid || st.MinW < out.MinW {
			out.MinW = st.MinW
		}
		if !out.Valid || st.MaxW > out.MaxW {
			out.MaxW = st.MaxW
		}
		sum += st.SumW
		count += st.Count
		out.Valid = true
	}
	if count > 0 {
		out.AvgW = int64(math.Round(sum / float64(count)))
	}
}

func foldDaySOC(agg *types.DailyAggregate, buckets []types.FiveMinAggregate) {
	var sum float64
	var n int
	for _, b := range buckets {
		if b.SOC == nil {
			continue
		}
		v := *b.SOC
		if agg.SOCMin == nil || v < *agg.SOCMin {
			m := units.Round1(v)
			agg.SOCMin = &m
		}
		if agg.SOCMax == nil || v > *agg.SOCMax {
			m := units.Round1(v)
			agg.SOCMax = &m
		}
		sum += v
		n++
		end := units.Round1(v)
		agg.SOCEnd = &end
	}
	if n > 0 {
		avg := units.Round1(sum / float64(n))
		agg.SOCAvg = &avg
	}
}

func lastCounter(buckets []types.FiveMinAggregate, pick func(types.FiveMinAggregate) types.CounterSample) *float64 {
	var out *float64
	for _, b := range buckets {
		if c := pick(b); c.Kwh != nil {
			v := *c.Kwh
			out = &v
		}
	}
	return out
}

// DayOutcome reports one day of a bulk aggregation run.
type DayOutcome struct {
	Day     string `json:"day"`
	Written bool   `json:"written"`
	Error   string `json:"error,omitempty"`
}

// AggregateRange runs AggregateDay for every day in [fromDay, toDay].
// A failing day is reported and the rest of the range still runs.
func (s *Service) AggregateRange(systemID int64, fromDay, toDay string) ([]DayOutcome, error) {
	days, err := dayRange(fromDay, toDay)
	if err != nil {
		return nil, err
	}

	outcomes := make([]DayOutcome, 0, len(days))
	for _, day := range days {
		agg, err := s.AggregateDay(systemID, day)
		o := DayOutcome{Day: day, Written: agg != nil}
		if err != nil {
			o.Error = err.Error()
			log.Printf("Error aggregating system %d day %s: %v", systemID, day, err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// RegenerateLastNDays re-aggregates the most recent n local days,
// today included. Used after backfill or repair.
func (s *Service) RegenerateLastNDays(systemID int64, n int, now time.Time) ([]DayOutcome, error) {
	sys, err := coredb.GetSystem(s.db, systemID)
	if err != nil {
		return nil, err
	}
	today := units.DayOf(now.Unix(), sys.TZOffsetMin)
	first := units.DayOf(now.AddDate(0, 0, -(n-1)).Unix(), sys.TZOffsetMin)
	return s.AggregateRange(systemID, first, today)
}

// DeleteRange drops daily rows in [fromDay, toDay]. The 5-minute
// buckets stay, so the range can be re-aggregated afterwards.
func (s *Service) DeleteRange(systemID int64, fromDay, toDay string) (int64, error) {
	if _, err := dayRange(fromDay, toDay); err != nil {
		return 0, err
	}
	res, err := s.db.Exec(
		"DELETE FROM agg_daily WHERE system_id = ? AND day >= ? AND day <= ?",
		systemID, fromDay, toDay,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func dayRange(fromDay, toDay string) ([]string, error) {
	from, err := time.Parse("2006-01-02", fromDay)
	if err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", fromDay, err)
	}
	to, err := time.Parse("2006-01-02", toDay)
	if err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", toDay, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("range end %s before start %s", toDay, fromDay)
	}

	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format("2006-01-02"))
	}
	return days, nil
}

const dailyColumns = "system_id, day, " +
	"solar_kwh, load_kwh, batt_in_kwh, batt_out_kwh, grid_in_kwh, grid_out_kwh, " +
	"solar_min_w, solar_avg_w, solar_max_w, load_min_w, load_avg_w, load_max_w, " +
	"batt_min_w, batt_avg_w, batt_max_w, grid_min_w, grid_avg_w, grid_max_w, " +
	"soc_min, soc_avg, soc_max, soc_end, " +
	"end_solar_kwh, end_load_kwh, end_batt_in_kwh, end_batt_out_kwh, end_grid_in_kwh, end_grid_out_kwh, " +
	"interval_count, counter_reset, version"

func (s *Service) writeDaily(a *types.DailyAggregate) error {
	statVals := func(st types.DayStats) (any, any, any) {
		if !st.Valid {
			return nil, nil, nil
		}
		return st.MinW, st.AvgW, st.MaxW
	}
	sMin, sAvg, sMax := statVals(a.Solar)
	lMin, lAvg, lMax := statVals(a.Load)
	bMin, bAvg, bMax := statVals(a.Battery)
	gMin, gAvg, gMax := statVals(a.Grid)

	reset := 0
	if a.CounterReset {
		reset = 1
	}

	_, err := s.db.Exec(
		"INSERT INTO agg_daily ("+dailyColumns+") VALUES "+
			"(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1) "+
			"ON CONFLICT (system_id, day) DO UPDATE SET "+
			"solar_kwh = excluded.solar_kwh, load_kwh = excluded.load_kwh, "+
			"batt_in_kwh = excluded.batt_in_kwh, batt_out_kwh = excluded.batt_out_kwh, "+
			"grid_in_kwh = excluded.grid_in_kwh, grid_out_kwh = excluded.grid_out_kwh, "+
			"solar_min_w = excluded.solar_min_w, solar_avg_w = excluded.solar_avg_w, solar_max_w = excluded.solar_max_w, "+
			"load_min_w = excluded.load_min_w, load_avg_w = excluded.load_avg_w, load_max_w = excluded.load_max_w, "+
			"batt_min_w = excluded.batt_min_w, batt_avg_w = excluded.batt_avg_w, batt_max_w = excluded.batt_max_w, "+
			"grid_min_w = excluded.grid_min_w, grid_avg_w = excluded.grid_avg_w, grid_max_w = excluded.grid_max_w, "+
			"soc_min = excluded.soc_min, soc_avg = excluded.soc_avg, soc_max = excluded.soc_max, soc_end = excluded.soc_end, "+
			"end_solar_kwh = excluded.end_solar_kwh, end_load_kwh = excluded.end_load_kwh, "+
			"end_batt_in_kwh = excluded.end_batt_in_kwh, end_batt_out_kwh = excluded.end_batt_out_kwh, "+
			"end_grid_in_kwh = excluded.end_grid_in_kwh, end_grid_out_kwh = excluded.end_grid_out_kwh, "+
			"interval_count = excluded.interval_count, counter_reset = excluded.counter_reset, "+
			"version = agg_daily.version + 1",
		a.SystemID, a.Day,
		ptrVal(a.SolarKwh), ptrVal(a.LoadKwh), ptrVal(a.BattInKwh), ptrVal(a.BattOutKwh), ptrVal(a.GridInKwh), ptrVal(a.GridOutKwh),
		sMin, sAvg, sMax, lMin, lAvg, lMax, bMin, bAvg, bMax, gMin, gAvg, gMax,
		ptrVal(a.SOCMin), ptrVal(a.SOCAvg), ptrVal(a.SOCMax), ptrVal(a.SOCEnd),
		ptrVal(a.EndSolarKwh), ptrVal(a.EndLoadKwh), ptrVal(a.EndBattInKwh), ptrVal(a.EndBattOutKwh), ptrVal(a.EndGridInKwh), ptrVal(a.EndGridOutKwh),
		a.IntervalCount, reset,
	)
	if err != nil {
		return fmt.Errorf("upsert daily %d/%s: %w", a.SystemID, a.Day, err)
	}
	return nil
}

func ptrVal(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// Daily loads one daily aggregate row, or nil when absent.
func (s *Service) Daily(systemID int64, day string) (*types.DailyAggregate, error) {
	row := s.db.QueryRow(
		"SELECT "+dailyColumns+" FROM agg_daily WHERE system_id = ? AND day = ?",
		systemID, day,
	)
	a, err := scanDaily(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// DailyRange lists daily rows in [fromDay, toDay] ordered by day.
func (s *Service) DailyRange(systemID int64, fromDay, toDay string) ([]types.DailyAggregate, error) {
	rows, err := s.db.Query(
		"SELECT "+dailyColumns+" FROM agg_daily WHERE system_id = ? AND day >= ? AND day <= ? ORDER BY day",
		systemID, fromDay, toDay,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DailyAggregate
	for rows.Next() {
		a, err := scanDaily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanDaily(row rowScanner) (*types.DailyAggregate, error) {
	var a types.DailyAggregate
	var deltas [6]sql.NullFloat64
	var stats [12]sql.NullInt64
	var soc [4]sql.NullFloat64
	var ends [6]sql.NullFloat64
	var reset int

	err := row.Scan(
		&a.SystemID, &a.Day,
		&deltas[0], &deltas[1], &deltas[2], &deltas[3], &deltas[4], &deltas[5],
		&stats[0], &stats[1], &stats[2], &stats[3], &stats[4], &stats[5],
		&stats[6], &stats[7], &stats[8], &stats[9], &stats[10], &stats[11],
		&soc[0], &soc[1], &soc[2], &soc[3],
		&ends[0], &ends[1], &ends[2], &ends[3], &ends[4], &ends[5],
		&a.IntervalCount, &reset, &a.Version,
	)
	if err != nil {
		return nil, err
	}

	deltaSlots := [...]**float64{&a.SolarKwh, &a.LoadKwh, &a.BattInKwh, &a.BattOutKwh, &a.GridInKwh, &a.GridOutKwh}
	for i, slot := range deltaSlots {
		if deltas[i].Valid {
			v := deltas[i].Float64
			*slot = &v
		}
	}
	statSlots := [...]*types.DayStats{&a.Solar, &a.Load, &a.Battery, &a.Grid}
	for i, st := range statSlots {
		if stats[i*3].Valid {
			st.MinW = stats[i*3].Int64
			st.AvgW = stats[i*3+1].Int64
			st.MaxW = stats[i*3+2].Int64
			st.Valid = true
		}
	}
	socSlots := [...]**float64{&a.SOCMin, &a.SOCAvg, &a.SOCMax, &a.SOCEnd}
	for i, slot := range socSlots {
		if soc[i].Valid {
			v := soc[i].Float64
			*slot = &v
		}
	}
	endSlots := [...]**float64{&a.EndSolarKwh, &a.EndLoadKwh, &a.EndBattInKwh, &a.EndBattOutKwh, &a.EndGridInKwh, &a.EndGridOutKwh}
	for i, slot := range endSlots {
		if ends[i].Valid {
			v := ends[i].Float64
			*slot = &v
		}
	}
	a.CounterReset = reset != 0
	return &a, nil
}
