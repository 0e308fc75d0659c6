package pipeline

import (
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/sessions"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

// PushOutcome summarizes one stored push delivery.
type PushOutcome struct {
	SessionID int64 `json:"session_id"`
	Stored    int   `json:"stored"`
	Conflicts int   `json:"conflicts"`
}

// ExecutePush stores an externally-delivered reading batch under a new
// session. The label is the caller's delivery id; redelivering under
// the same readings only produces conflicts, never duplicates.
func (r *Runner) ExecutePush(sys types.System, label string, readings []types.Reading) (PushOutcome, error) {
	startedAt := time.Now()
	session, err := r.tracker.Create(label, sys.ID, types.CausePush, startedAt)
	if err != nil {
		return PushOutcome{}, err
	}
	out := PushOutcome{SessionID: session.ID}

	stored, conflicts, err := r.ingest.InsertReadings(sys.ID, session, readings)
	out.Stored, out.Conflicts = stored, conflicts
	duration := time.Since(startedAt)

	if err != nil {
		r.close(sys, session.ID, startedAt, false, sessions.Result{
			Duration:  duration,
			ErrorCode: "store_failed",
			Error:     err.Error(),
			NumRows:   stored,
		}, sessions.Attempt{Error: err.Error()})
		return out, err
	}

	r.close(sys, session.ID, startedAt, false, sessions.Result{
		Duration:   duration,
		Successful: true,
		NumRows:    stored,
	}, sessions.Attempt{Successful: true})
	return out, nil
}
