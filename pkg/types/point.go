package types

type PointKind uint8

const (
	PointPower PointKind = iota // instantaneous power, watts
	PointEnergy                 // monotonic lifetime counter, kWh
	PointSOC                    // state of charge, percent
	PointText                   // textual state (e.g. vehicle state)
)

// Well-known point paths. Vendors may report additional paths; only
// these participate in interval and daily aggregation.
const (
	PathPowerSolar    = "power.solar"
	PathPowerLoad     = "power.load"
	PathPowerBattery  = "power.battery"
	PathPowerGrid     = "power.grid"
	PathSOCBattery    = "soc.battery"
	PathEnergySolar   = "energy.solar"
	PathEnergyLoad    = "energy.load"
	PathEnergyBattIn  = "energy.battery_in"
	PathEnergyBattOut = "energy.battery_out"
	PathEnergyGridIn  = "energy.grid_in"
	PathEnergyGridOut = "energy.grid_out"
)

// Point is a stable logical measurement channel of one system. The
// index is assigned once on first observation and never reused or
// renumbered; lookups go through the vendor-stable SourceKey, never
// the display path.
type Point struct {
	SystemID  int64     `db:"system_id" json:"system_id"`
	Index     int       `db:"point_index" json:"index"`
	SourceKey string    `db:"source_key" json:"source_key"`
	Kind      PointKind `db:"kind" json:"kind"`
	Unit      string    `db:"unit" json:"unit"`
	Path      string    `db:"path" json:"path"`
	Active    bool      `db:"active" json:"active"`
}

// PointRef is the immutable identity of a point.
type PointRef struct {
	SystemID int64 `json:"system_id"`
	Index    int   `json:"index"`
}

// Reading is one normalized observation produced by a vendor adapter.
// Key is the vendor-stable channel key; Kind/Unit/Path are hints used
// only when the point is first created.
type Reading struct {
	Key        string
	Kind       PointKind
	Unit       string
	Path       string
	Value      float64
	Text       string
	MeasuredAt int64 // unix seconds, source-asserted
}

// LatestValue is one entry of the latest-value index. Pure read
// optimization; reconstructible from raw readings at any time.
type LatestValue struct {
	SystemID   int64   `db:"system_id" json:"system_id"`
	Path       string  `db:"path" json:"path"`
	Value      float64 `db:"value" json:"value"`
	Text       string  `db:"text_value" json:"text,omitempty"`
	Unit       string  `db:"unit" json:"unit"`
	MeasuredAt int64   `db:"measured_at" json:"measured_at"`
	ReceivedAt int64   `db:"received_at" json:"received_at"`
}
