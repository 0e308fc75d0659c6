package types

type SystemStatus string

const (
	SystemActive   SystemStatus = "active"
	SystemDisabled SystemStatus = "disabled"
	SystemRemoved  SystemStatus = "removed"
)

// System is one monitored endpoint. Onboarding and status transitions
// happen outside the core; the scheduler only reads Status to decide
// eligibility. Removed systems are soft-deleted and must be skipped,
// never physically dropped.
type System struct {
	ID           int64        `db:"id" json:"id"`
	Vendor       string       `db:"vendor" json:"vendor"`
	VendorSiteID string       `db:"vendor_site_id" json:"vendor_site_id"`
	Status       SystemStatus `db:"status" json:"status"`
	TZOffsetMin  int          `db:"tz_offset_min" json:"tz_offset_min"`
	OwnerRef     string       `db:"owner_ref" json:"owner_ref"`
}

// PollingStatus is the rolling per-system acquisition summary. One row
// per system, mutated after every attempt, never recreated. LastHint
// persists the adapter's last observed trigger condition (e.g. vehicle
// charging state) so scheduling survives a process restart.
type PollingStatus struct {
	SystemID          int64  `db:"system_id" json:"system_id"`
	LastPollAt        int64  `db:"last_poll_at" json:"last_poll_at"`
	LastSuccessAt     int64  `db:"last_success_at" json:"last_success_at"`
	LastErrorAt       int64  `db:"last_error_at" json:"last_error_at"`
	LastError         string `db:"last_error" json:"last_error,omitempty"`
	ConsecutiveErrors int    `db:"consecutive_errors" json:"consecutive_errors"`
	TotalPolls        int64  `db:"total_polls" json:"total_polls"`
	SuccessfulPolls   int64  `db:"successful_polls" json:"successful_polls"`
	LastResponse      string `db:"last_response" json:"-"`
	LastHint          string `db:"last_hint" json:"last_hint,omitempty"`
}
