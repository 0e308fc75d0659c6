package types

type PollCause string

const (
	CauseCron  PollCause = "CRON"
	CauseAdmin PollCause = "ADMIN"
	CauseUser  PollCause = "USER"
	CausePush  PollCause = "PUSH"
)

// Session is one acquisition attempt. Successful is tri-state: nil
// while the attempt is in flight, then set exactly once by the
// terminal update.
type Session struct {
	ID         int64     `db:"id" json:"id"`
	SystemID   int64     `db:"system_id" json:"system_id"`
	Label      string    `db:"label" json:"label,omitempty"`
	Cause      PollCause `db:"cause" json:"cause"`
	StartedAt  int64     `db:"started_at" json:"started_at"`
	DurationMs int64     `db:"duration_ms" json:"duration_ms"`
	Successful *bool     `db:"successful" json:"successful"`
	ErrorCode  string    `db:"error_code" json:"error_code,omitempty"`
	Error      string    `db:"error_msg" json:"error,omitempty"`
	Response   string    `db:"response" json:"-"`
	NumRows    int       `db:"num_rows" json:"num_rows"`
	CreatedAt  int64     `db:"created_at" json:"created_at"`
}
