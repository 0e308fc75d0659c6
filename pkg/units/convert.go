package units

import (
	"fmt"
	"math"
	"time"
)

const IntervalSeconds = 300 // 5-minute aggregation grid

// KwToW converts a kW meter field to whole watts.
func KwToW(kw float64) int64 {
	return int64(math.Round(kw * 1000))
}

// Round3 rounds to 3 decimals, the storage precision for kWh deltas.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Round1 rounds to 1 decimal, the storage precision for state of charge.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// IntervalEnd returns the exclusive upper boundary of the 5-minute
// bucket containing ts. A sample landing exactly on a boundary closes
// the bucket ending at that boundary.
func IntervalEnd(ts int64) int64 {
	return ((ts + IntervalSeconds - 1) / IntervalSeconds) * IntervalSeconds
}

// DayBounds converts a local calendar day ("2006-01-02" in the
// system's fixed offset) to its [start, end) unix-second range. The
// end is the next local midnight.
func DayBounds(day string, tzOffsetMin int) (int64, int64, error) {
	loc := time.FixedZone("local", tzOffsetMin*60)
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return t.Unix(), t.AddDate(0, 0, 1).Unix(), nil
}

// DayOf returns the local calendar day containing ts.
func DayOf(ts int64, tzOffsetMin int) string {
	loc := time.FixedZone("local", tzOffsetMin*60)
	return time.Unix(ts, 0).In(loc).Format("2006-01-02")
}
