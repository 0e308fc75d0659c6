package sunmod

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

func TestScheduleBacksOffAfterErrors(t *testing.T) {
	a := New()
	now := time.Now()
	sys := types.System{ID: 1}
	last := now.Add(-10 * time.Minute).Unix()

	// Healthy: 10 minutes since the last poll is well past 5m.
	d := a.EvaluateSchedule(sys, types.PollingStatus{LastPollAt: last}, now)
	assert.True(t, d.ShouldPoll)

	// Two failures in a row keep the normal interval.
	d = a.EvaluateSchedule(sys, types.PollingStatus{LastPollAt: last, ConsecutiveErrors: 2}, now)
	assert.True(t, d.ShouldPoll)

	// Three or more switch to the 30 minute backoff.
	d = a.EvaluateSchedule(sys, types.PollingStatus{LastPollAt: last, ConsecutiveErrors: 3}, now)
	assert.False(t, d.ShouldPoll)

	// Even backed off, a system is eventually due again.
	stale := now.Add(-31 * time.Minute).Unix()
	d = a.EvaluateSchedule(sys, types.PollingStatus{LastPollAt: stale, ConsecutiveErrors: 7}, now)
	assert.True(t, d.ShouldPoll)
}

func TestRegisterDecoding(t *testing.T) {
	// int32 register pair, two's complement: -1500 W at night.
	power := []byte{0xFF, 0xFF, 0xFA, 0x24}
	neg := int64(int32(power[0])<<24 | int32(power[1])<<16 | int32(power[2])<<8 | int32(power[3]))
	assert.Equal(t, int64(-1500), neg)

	// uint32 yield register counts hundredths of a kWh.
	yield := []byte{0x00, 0x01, 0x86, 0xA0}
	raw := uint32(yield[0])<<24 | uint32(yield[1])<<16 | uint32(yield[2])<<8 | uint32(yield[3])
	assert.Equal(t, 1000.0, float64(raw)/100)
}
