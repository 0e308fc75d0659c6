package dsmr

import (
	"fmt"
	"testing"
	"time"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

// telegram assembles a telegram body and appends its real CRC trailer.
func telegram(lines ...string) string {
	body := "/FLU5\\253769484_A\r\n\r\n"
	for _, l := range lines {
		body += l + "\r\n"
	}
	body += "!"
	table := crc16.MakeTable(crc16.CRC16_ARC)
	return body + fmt.Sprintf("%04X", crc16.Checksum([]byte(body), table)) + "\r\n"
}

func TestValidCRC(t *testing.T) {
	good := telegram("1-0:1.7.0(00.450*kW)")
	assert.True(t, validCRC(good))

	assert.False(t, validCRC("/FLU5\r\n1-0:1.7.0(00.450*kW)\r\n!BEEF\r\n"))
	assert.False(t, validCRC("no trailer here"))
	assert.False(t, validCRC("!"))
}

func TestMapTelegram(t *testing.T) {
	a := New()
	tg := telegram(
		"0-0:1.0.0(250615143000W)",
		"1-0:1.7.0(00.450*kW)",
		"1-0:2.7.0(00.200*kW)",
		"1-0:1.8.1(000100.500*kWh)",
		"1-0:1.8.2(000050.250*kWh)",
		"1-0:2.8.1(000030.000*kWh)",
		"1-0:2.8.2(000020.000*kWh)",
	)

	readings, err := a.mapTelegram(tg)
	require.NoError(t, err)
	require.Len(t, readings, 3)

	byKey := make(map[string]types.Reading)
	for _, r := range readings {
		byKey[r.Key] = r
	}

	grid := byKey["grid_power"]
	assert.Equal(t, types.PathPowerGrid, grid.Path)
	assert.InDelta(t, 250.0, grid.Value, 0.001)

	imp := byKey["grid_import_total"]
	assert.Equal(t, types.PathEnergyGridIn, imp.Path)
	assert.InDelta(t, 150.75, imp.Value, 0.001)

	exp := byKey["grid_export_total"]
	assert.Equal(t, types.PathEnergyGridOut, exp.Path)
	assert.InDelta(t, 50.0, exp.Value, 0.001)

	// Measurement time comes from the telegram clock, not wall time.
	want, err := time.ParseInLocation("060102150405", "250615143000", time.Local)
	require.NoError(t, err)
	assert.Equal(t, want.Unix(), grid.MeasuredAt)
}

func TestMapTelegramNoKnownFields(t *testing.T) {
	a := New()
	_, err := a.mapTelegram(telegram("0-0:96.14.0(0001)"))
	assert.Error(t, err)
}

func TestMapTelegramExportingHouse(t *testing.T) {
	a := New()
	tg := telegram(
		"1-0:1.7.0(00.000*kW)",
		"1-0:2.7.0(03.500*kW)",
	)

	readings, err := a.mapTelegram(tg)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InDelta(t, -3500.0, readings[0].Value, 0.001)
}

func TestScheduleEveryMinute(t *testing.T) {
	a := New()
	now := time.Now()

	d := a.EvaluateSchedule(types.System{ID: 1}, types.PollingStatus{}, now)
	assert.True(t, d.ShouldPoll)

	d = a.EvaluateSchedule(types.System{ID: 1}, types.PollingStatus{LastPollAt: now.Add(-20 * time.Second).Unix()}, now)
	assert.False(t, d.ShouldPoll)

	d = a.EvaluateSchedule(types.System{ID: 1}, types.PollingStatus{LastPollAt: now.Add(-55 * time.Second).Unix()}, now)
	assert.True(t, d.ShouldPoll)
}
