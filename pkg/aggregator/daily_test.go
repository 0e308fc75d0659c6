package aggregator

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexwatt/fleet_telemetry/pkg/coredb"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/units"
)

const testDay = "2025-06-15"

func newDailyTestService(t *testing.T) (*Service, int64, *sql.DB) {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, coredb.UpsertSystem(db, types.System{
		ID: 1, Vendor: "sunmod", VendorSiteID: "site-1", Status: types.SystemActive,
	}))
	dayStart, _, err := units.DayBounds(testDay, 0)
	require.NoError(t, err)
	return New(db), dayStart, db
}

func TestAggregateDayDeltasAndStats(t *testing.T) {
	s, dayStart, _ := newDailyTestService(t)

	// Baseline counter in the last bucket of the previous day.
	upsert(t, s, types.PathEnergyGridIn, types.PointEnergy, 100.0, dayStart)

	upsert(t, s, types.PathEnergyGridIn, types.PointEnergy, 102.4, dayStart+300)
	upsert(t, s, types.PathEnergyGridIn, types.PointEnergy, 105.234, dayStart+600)

	upsert(t, s, types.PathPowerGrid, types.PointPower, 450, dayStart+100)
	upsert(t, s, types.PathPowerGrid, types.PointPower, -200, dayStart+400)

	upsert(t, s, types.PathSOCBattery, types.PointSOC, 50.0, dayStart+100)
	upsert(t, s, types.PathSOCBattery, types.PointSOC, 80.26, dayStart+400)

	agg, err := s.AggregateDay(1, testDay)
	require.NoError(t, err)
	require.NotNil(t, agg)

	require.NotNil(t, agg.GridInKwh)
	assert.Equal(t, 5.234, *agg.GridInKwh)
	require.NotNil(t, agg.EndGridInKwh)
	assert.Equal(t, 105.234, *agg.EndGridInKwh)
	assert.False(t, agg.CounterReset)

	require.True(t, agg.Grid.Valid)
	assert.Equal(t, int64(-200), agg.Grid.MinW)
	assert.Equal(t, int64(450), agg.Grid.MaxW)
	assert.Equal(t, int64(125), agg.Grid.AvgW)
	assert.False(t, agg.Solar.Valid)

	require.NotNil(t, agg.SOCMin)
	assert.Equal(t, 50.0, *agg.SOCMin)
	require.NotNil(t, agg.SOCMax)
	assert.Equal(t, 80.3, *agg.SOCMax)
	require.NotNil(t, agg.SOCAvg)
	assert.Equal(t, 65.1, *agg.SOCAvg)
	require.NotNil(t, agg.SOCEnd)
	assert.Equal(t, 80.3, *agg.SOCEnd)

	assert.Equal(t, 2, agg.IntervalCount)
	assert.Equal(t, 1, agg.Version)
}

func TestAggregateDayFirstDayHasNullDeltas(t *testing.T) {
	s, dayStart, _ := newDailyTestService(t)

	// No bucket at or before the day start: deltas stay null, end
	// snapshots are still recorded.
	upsert(t, s, types.PathEnergySolar, types.PointEnergy, 42.0, dayStart+600)

	agg, err := s.AggregateDay(1, testDay)
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Nil(t, agg.SolarKwh)
	require.NotNil(t, agg.EndSolarKwh)
	assert.Equal(t, 42.0, *agg.EndSolarKwh)
	assert.False(t, agg.CounterReset)
}

func TestAggregateDayCounterReset(t *testing.T) {
	s, dayStart, _ := newDailyTestService(t)

	upsert(t, s, types.PathEnergySolar, types.PointEnergy, 500.0, dayStart)
	// Counter went backwards: the vendor replaced or reset the device.
	upsert(t, s, types.PathEnergySolar, types.PointEnergy, 3.2, dayStart+600)

	agg, err := s.AggregateDay(1, testDay)
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Nil(t, agg.SolarKwh)
	assert.True(t, agg.CounterReset)
	require.NotNil(t, agg.EndSolarKwh)
	assert.Equal(t, 3.2, *agg.EndSolarKwh)
}

func TestAggregateDayMidnightBoundary(t *testing.T) {
	s, dayStart, _ := newDailyTestService(t)
	dayEnd := dayStart + 86400

	// Bucket ending exactly at the day start belongs to the previous
	// day; bucket ending exactly at the day end belongs to this day.
	upsert(t, s, types.PathPowerGrid, types.PointPower, 111, dayStart)
	upsert(t, s, types.PathPowerGrid, types.PointPower, 222, dayEnd)

	agg, err := s.AggregateDay(1, testDay)
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, 1, agg.IntervalCount)
	assert.Equal(t, int64(222), agg.Grid.MinW)
}

func TestAggregateDayEmptyWritesNothing(t *testing.T) {
	s, _, _ := newDailyTestService(t)

	agg, err := s.AggregateDay(1, testDay)
	require.NoError(t, err)
	assert.Nil(t, agg)

	stored, err := s.Daily(1, testDay)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestAggregateDayRerunIsIdempotent(t *testing.T) {
	s, dayStart, _ := newDailyTestService(t)

	upsert(t, s, types.PathEnergyGridIn, types.PointEnergy, 100.0, dayStart)
	upsert(t, s, types.PathEnergyGridIn, types.PointEnergy, 104.5, dayStart+900)

	first, err := s.AggregateDay(1, testDay)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.AggregateDay(1, testDay)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, *first.GridInKwh, *second.GridInKwh)
	assert.Equal(t, first.IntervalCount, second.IntervalCount)
	// Each rewrite bumps the version.
	assert.Equal(t, first.Version+1, second.Version)
}

func TestAggregateRangeIsolatesFailingDays(t *testing.T) {
	s, dayStart, _ := newDailyTestService(t)
	upsert(t, s, types.PathPowerGrid, types.PointPower, 100, dayStart+100)

	outcomes, err := s.AggregateRange(1, "2025-06-14", "2025-06-16")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.False(t, outcomes[0].Written)
	assert.True(t, outcomes[1].Written)
	assert.False(t, outcomes[2].Written)

	_, err = s.AggregateRange(1, "2025-06-16", "2025-06-14")
	assert.Error(t, err)
}

func TestDeleteRangeKeepsBuckets(t *testing.T) {
	s, dayStart, db := newDailyTestService(t)
	upsert(t, s, types.PathPowerGrid, types.PointPower, 100, dayStart+100)

	_, err := s.AggregateDay(1, testDay)
	require.NoError(t, err)

	n, err := s.DeleteRange(1, testDay, testDay)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var buckets int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM agg_5min WHERE system_id = 1").Scan(&buckets))
	assert.Equal(t, 1, buckets)

	// Re-aggregation restores the row from the surviving buckets.
	agg, err := s.AggregateDay(1, testDay)
	require.NoError(t, err)
	require.NotNil(t, agg)
	assert.Equal(t, 1, agg.Version)
}
