// Vendors defines the contract every data-source family implements
// and the closed registry the scheduler resolves adapters from.
package vendors

import (
	"context"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

// CredentialField declares one credential a vendor family needs.
type CredentialField struct {
	Field       string `json:"field"`
	Name        string `json:"name"`
	Type        string `json:"type"` // string | password
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Credentials are the resolved per-system secret fields, keyed by
// CredentialField.Field.
type Credentials map[string]string

// CredentialsFunc resolves credentials for (owner, system). The
// credential store itself lives outside the core.
type CredentialsFunc func(ownerRef string, systemID int64) (Credentials, error)

// Info describes a vendor family.
type Info struct {
	ID              string
	Name            string
	DefaultInterval time.Duration
	// Tolerance is the slack subtracted from the interval before a
	// scheduled poll counts as due, so a heartbeat landing a few
	// seconds early does not skip a whole cycle.
	Tolerance   time.Duration
	Credentials []CredentialField
	// DailyCallBudget > 0 marks a platform-imposed call quota; the
	// scheduler gives such families their own budgeted pass.
	DailyCallBudget int
}

// ScheduleDecision is the result of a schedule evaluation.
type ScheduleDecision struct {
	ShouldPoll bool
	Reason     string
	NextPoll   time.Time
}

type Outcome uint8

const (
	OutcomePolled Outcome = iota
	OutcomeSkipped
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomePolled:
		return "polled"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "error"
	}
}

// PollResult is what one acquisition produced. Raw keeps the vendor
// response for diagnostics; Hint is persisted into the polling status
// so schedule evaluation survives a restart.
type PollResult struct {
	Outcome  Outcome
	Readings []types.Reading
	Reason   string
	NextPoll time.Time
	Raw      string
	Hint     string
}

// Adapter is implemented once per vendor family. EvaluateSchedule must
// be pure with respect to persisted state: everything it needs beyond
// its arguments has to be an in-process hint it can afford to lose.
// Acquire with dryRun performs the identical readings computation but
// the caller suppresses all persistence.
type Adapter interface {
	Info() Info
	EvaluateSchedule(sys types.System, status types.PollingStatus, now time.Time) ScheduleDecision
	Acquire(ctx context.Context, sys types.System, creds Credentials, session types.Session, dryRun bool) (*PollResult, error)
	TestConnection(ctx context.Context, sys types.System, creds Credentials) error
}

// PushAdapter is the extra capability of push-based families: mapping
// an externally-delivered payload to normalized readings.
type PushAdapter interface {
	Adapter
	ParseDelivery(payload []byte) ([]types.Reading, error)
}

// IntervalDue is the shared schedule evaluation: due when never polled
// before, or when the interval minus tolerance has elapsed.
func IntervalDue(status types.PollingStatus, interval, tolerance time.Duration, now time.Time) ScheduleDecision {
	if status.LastPollAt == 0 {
		return ScheduleDecision{ShouldPoll: true, Reason: "never polled", NextPoll: now.Add(interval)}
	}
	last := time.Unix(status.LastPollAt, 0)
	due := last.Add(interval - tolerance)
	if now.Before(due) {
		return ScheduleDecision{Reason: "interval not elapsed", NextPoll: last.Add(interval)}
	}
	return ScheduleDecision{ShouldPoll: true, Reason: "interval elapsed", NextPoll: now.Add(interval)}
}
