package aggregator

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexwatt/fleet_telemetry/pkg/coredb"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := coredb.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func pathPoint(path string, kind types.PointKind) types.Point {
	return types.Point{SystemID: 1, Index: 0, SourceKey: "k", Kind: kind, Path: path, Active: true}
}

func upsert(t *testing.T, s *Service, path string, kind types.PointKind, value float64, at int64) {
	t.Helper()
	err := s.UpsertBucket(1, pathPoint(path, kind), 1, types.Reading{
		Key: "k", Kind: kind, Path: path, Value: value, MeasuredAt: at,
	})
	require.NoError(t, err)
}

func TestUpsertBucketBoundaries(t *testing.T) {
	s := New(openTestDB(t))

	// A sample exactly on a boundary closes the bucket ending there;
	// anything after it belongs to the next bucket.
	upsert(t, s, types.PathPowerGrid, types.PointPower, 100, 900)
	upsert(t, s, types.PathPowerGrid, types.PointPower, 200, 1033)
	upsert(t, s, types.PathPowerGrid, types.PointPower, 300, 1200)

	b900, err := s.Bucket(1, 900)
	require.NoError(t, err)
	require.NotNil(t, b900)
	assert.Equal(t, 1, b900.SampleCount)
	assert.Equal(t, int64(100), b900.Grid.MinW)

	b1200, err := s.Bucket(1, 1200)
	require.NoError(t, err)
	require.NotNil(t, b1200)
	assert.Equal(t, 2, b1200.SampleCount)
	assert.Equal(t, int64(200), b1200.Grid.MinW)
	assert.Equal(t, int64(300), b1200.Grid.MaxW)
	assert.Equal(t, int64(250), b1200.Grid.AvgW())
}

func TestUpsertBucketNegativePower(t *testing.T) {
	s := New(openTestDB(t))

	// Battery power goes negative while discharging.
	upsert(t, s, types.PathPowerBattery, types.PointPower, -1500.6, 100)
	upsert(t, s, types.PathPowerBattery, types.PointPower, 2000.4, 200)

	b, err := s.Bucket(1, 300)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(-1501), b.Battery.MinW)
	assert.Equal(t, int64(2000), b.Battery.MaxW)
	assert.Equal(t, int64(250), b.Battery.AvgW())
}

func TestUpsertBucketCounterLastValueWins(t *testing.T) {
	s := New(openTestDB(t))

	upsert(t, s, types.PathEnergySolar, types.PointEnergy, 120.5, 250)
	upsert(t, s, types.PathEnergySolar, types.PointEnergy, 120.8, 290)
	// Out-of-order older sample must not displace the newer counter.
	upsert(t, s, types.PathEnergySolar, types.PointEnergy, 120.2, 100)

	b, err := s.Bucket(1, 300)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NotNil(t, b.SolarKwh.Kwh)
	assert.Equal(t, 120.8, *b.SolarKwh.Kwh)
	assert.Equal(t, int64(290), b.SolarKwh.At)
}

func TestUpsertBucketSOC(t *testing.T) {
	s := New(openTestDB(t))

	upsert(t, s, types.PathSOCBattery, types.PointSOC, 55.5, 100)
	upsert(t, s, types.PathSOCBattery, types.PointSOC, 58.0, 200)

	b, err := s.Bucket(1, 300)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NotNil(t, b.SOC)
	assert.Equal(t, 58.0, *b.SOC)
	assert.Equal(t, int64(200), b.SOCAt)
}

func TestUpsertBucketIgnoresUnknownPaths(t *testing.T) {
	s := New(openTestDB(t))

	err := s.UpsertBucket(1, pathPoint("vehicle.state", types.PointText), 1, types.Reading{
		Key: "k", Kind: types.PointText, Path: "vehicle.state", Text: "online", MeasuredAt: 100,
	})
	require.NoError(t, err)

	b, err := s.Bucket(1, 300)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestBucketsBetweenWindow(t *testing.T) {
	s := New(openTestDB(t))

	upsert(t, s, types.PathPowerGrid, types.PointPower, 100, 300)
	upsert(t, s, types.PathPowerGrid, types.PointPower, 200, 600)
	upsert(t, s, types.PathPowerGrid, types.PointPower, 300, 900)

	// (300, 900]: the bucket ending at the lower bound stays out.
	buckets, err := s.BucketsBetween(1, 300, 900)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(600), buckets[0].IntervalEnd)
	assert.Equal(t, int64(900), buckets[1].IntervalEnd)
}
