package types

import "math"

// RunningStats keeps min/max plus a running sum and count so the
// average can be recomputed on every upsert instead of re-weighting.
type RunningStats struct {
	MinW  int64   `json:"min_w"`
	MaxW  int64   `json:"max_w"`
	SumW  float64 `json:"-"`
	Count int64   `json:"count"`
}

// Valid reports whether any sample contributed to the stats.
func (r RunningStats) Valid() bool {
	return r.Count > 0
}

// AvgW returns the running average in whole watts.
func (r RunningStats) AvgW() int64 {
	if r.Count == 0 {
		return 0
	}
	return int64(math.Round(r.SumW / float64(r.Count)))
}

// CounterSample is a last-value slot for a monotonic lifetime counter.
// At is the measurement time of the sample currently held; a later
// sample replaces an earlier one, never the other way around.
type CounterSample struct {
	Kwh *float64 `json:"kwh"`
	At  int64    `json:"at"`
}

// FiveMinAggregate is one row per (system, interval end) where the
// interval end is the exclusive upper boundary on the 5-minute grid.
// Power-like channels aggregate statistically; lifetime counters and
// state of charge are last-value.
type FiveMinAggregate struct {
	SystemID    int64 `json:"system_id"`
	IntervalEnd int64 `json:"interval_end"`
	SessionID   int64 `json:"session_id"`
	SampleCount int   `json:"sample_count"`

	Solar   RunningStats `json:"solar"`
	Load    RunningStats `json:"load"`
	Battery RunningStats `json:"battery"`
	Grid    RunningStats `json:"grid"`

	SOC   *float64 `json:"soc"`
	SOCAt int64    `json:"-"`

	SolarKwh   CounterSample `json:"solar_kwh"`
	LoadKwh    CounterSample `json:"load_kwh"`
	BattInKwh  CounterSample `json:"battery_in_kwh"`
	BattOutKwh CounterSample `json:"battery_out_kwh"`
	GridInKwh  CounterSample `json:"grid_in_kwh"`
	GridOutKwh CounterSample `json:"grid_out_kwh"`
}

// DayStats is a min/avg/max triple over a day's 5-minute buckets.
type DayStats struct {
	MinW  int64 `json:"min_w"`
	AvgW  int64 `json:"avg_w"`
	MaxW  int64 `json:"max_w"`
	Valid bool  `json:"valid"`
}

// DailyAggregate is one row per (system, local calendar day). Energy
// deltas are nil for a system's first aggregated day; a negative
// delta means a vendor-side counter reset and is flagged instead of
// clamped.
type DailyAggregate struct {
	SystemID int64  `json:"system_id"`
	Day      string `json:"day"` // YYYY-MM-DD in the system's local offset

	SolarKwh   *float64 `json:"solar_kwh"`
	LoadKwh    *float64 `json:"load_kwh"`
	BattInKwh  *float64 `json:"battery_in_kwh"`
	BattOutKwh *float64 `json:"battery_out_kwh"`
	GridInKwh  *float64 `json:"grid_in_kwh"`
	GridOutKwh *float64 `json:"grid_out_kwh"`

	Solar   DayStats `json:"solar"`
	Load    DayStats `json:"load"`
	Battery DayStats `json:"battery"`
	Grid    DayStats `json:"grid"`

	SOCMin *float64 `json:"soc_min"`
	SOCAvg *float64 `json:"soc_avg"`
	SOCMax *float64 `json:"soc_max"`
	SOCEnd *float64 `json:"soc_end"`

	// End-of-day lifetime counter snapshots, baseline for day N+1.
	EndSolarKwh   *float64 `json:"end_solar_kwh"`
	EndLoadKwh    *float64 `json:"end_load_kwh"`
	EndBattInKwh  *float64 `json:"end_battery_in_kwh"`
	EndBattOutKwh *float64 `json:"end_battery_out_kwh"`
	EndGridInKwh  *float64 `json:"end_grid_in_kwh"`
	EndGridOutKwh *float64 `json:"end_grid_out_kwh"`

	IntervalCount int  `json:"interval_count"`
	CounterReset  bool `json:"counter_reset"`
	Version       int  `json:"version"`
}
