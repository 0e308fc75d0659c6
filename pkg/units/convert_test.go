package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalEnd(t *testing.T) {
	tests := []struct {
		name string
		ts   int64
		want int64
	}{
		{"exact boundary closes its own bucket", 900, 900},
		{"next boundary too", 1200, 1200},
		{"mid-bucket rounds up", 1033, 1200},
		{"one past a boundary", 901, 1200},
		{"one before a boundary", 1199, 1200},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IntervalEnd(tt.ts))
		})
	}
}

func TestDayBounds(t *testing.T) {
	// UTC day is exactly 86400 seconds from midnight.
	start, end, err := DayBounds("2025-06-15", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1749945600), start)
	assert.Equal(t, start+86400, end)

	// Positive offset shifts local midnight earlier in UTC.
	startCET, endCET, err := DayBounds("2025-06-15", 120)
	require.NoError(t, err)
	assert.Equal(t, start-7200, startCET)
	assert.Equal(t, end-7200, endCET)

	_, _, err = DayBounds("15-06-2025", 0)
	assert.Error(t, err)
}

func TestDayOf(t *testing.T) {
	start, end, err := DayBounds("2025-06-15", 60)
	require.NoError(t, err)

	assert.Equal(t, "2025-06-15", DayOf(start, 60))
	assert.Equal(t, "2025-06-15", DayOf(end-1, 60))
	assert.Equal(t, "2025-06-16", DayOf(end, 60))
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 5.234, Round3(5.23449))
	assert.Equal(t, 5.235, Round3(5.2345))
	assert.Equal(t, -0.5, Round3(-0.5001))
	assert.Equal(t, 87.5, Round1(87.45))
	assert.Equal(t, 87.4, Round1(87.44))
}

func TestKwConversion(t *testing.T) {
	assert.Equal(t, int64(1234), KwToW(1.2341))
	assert.Equal(t, int64(-2500), KwToW(-2.5))
	assert.Equal(t, int64(0), KwToW(0.0004))
}
