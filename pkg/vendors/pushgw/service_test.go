package pushgw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors"
)

func TestParseDelivery(t *testing.T) {
	a := New()
	readings, err := a.ParseDelivery([]byte(`{
		"sent_at": 1750000060,
		"readings": [
			{"key": "house_load", "path": "power.load", "kind": "power", "unit": "W", "value": 1250.5, "measured_at": 1750000000},
			{"key": "inverter_mode", "path": "inverter.mode", "kind": "text", "text": "self-consumption", "measured_at": 1750000000}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, readings, 2)

	assert.Equal(t, "house_load", readings[0].Key)
	assert.Equal(t, types.PointPower, readings[0].Kind)
	assert.Equal(t, types.PathPowerLoad, readings[0].Path)
	assert.Equal(t, 1250.5, readings[0].Value)
	assert.Equal(t, int64(1750000000), readings[0].MeasuredAt)

	assert.Equal(t, types.PointText, readings[1].Kind)
	assert.Equal(t, "self-consumption", readings[1].Text)
}

func TestParseDeliveryRejectsMalformed(t *testing.T) {
	a := New()
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{nope`},
		{"empty readings", `{"readings": []}`},
		{"missing key", `{"readings": [{"kind": "power", "value": 1, "measured_at": 10}]}`},
		{"missing measured_at", `{"readings": [{"key": "a", "kind": "power", "value": 1}]}`},
		{"unknown kind", `{"readings": [{"key": "a", "kind": "pressure", "value": 1, "measured_at": 10}]}`},
		{"numeric kind without value", `{"readings": [{"key": "a", "kind": "energy", "measured_at": 10}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseDelivery([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestNeverCronPolled(t *testing.T) {
	a := New()

	d := a.EvaluateSchedule(types.System{ID: 1}, types.PollingStatus{}, time.Now())
	assert.False(t, d.ShouldPoll)

	res, err := a.Acquire(context.Background(), types.System{ID: 1}, vendors.Credentials{}, types.Session{}, false)
	require.NoError(t, err)
	assert.Equal(t, vendors.OutcomeSkipped, res.Outcome)
	assert.Empty(t, res.Readings)
}

func TestSiteFromTopic(t *testing.T) {
	assert.Equal(t, "site-9", siteFromTopic("fleet/site-9/telemetry"))
	assert.Empty(t, siteFromTopic("fleet/site-9/other"))
	assert.Empty(t, siteFromTopic("fleet/telemetry"))
	assert.Empty(t, siteFromTopic("a/b/c/d"))
}
