// Pipeline runs one acquisition end to end: open a session, let the
// vendor adapter acquire under a bounded timeout, store the batch and
// close the session with exactly one terminal outcome.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/ingest"
	"github.com/nexwatt/fleet_telemetry/pkg/sessions"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors"
)

type Runner struct {
	registry *vendors.Registry
	tracker  *sessions.Tracker
	ingest   *ingest.Service
	creds    vendors.CredentialsFunc
	timeout  time.Duration
}

func NewRunner(registry *vendors.Registry, tracker *sessions.Tracker, ing *ingest.Service, creds vendors.CredentialsFunc, timeout time.Duration) *Runner {
	return &Runner{registry: registry, tracker: tracker, ingest: ing, creds: creds, timeout: timeout}
}

// Outcome summarizes one Execute call for the scheduler's tick log.
type Outcome struct {
	SystemID  int64
	SessionID int64
	Result    vendors.Outcome
	Stored    int
	Conflicts int
	NextPoll  time.Time
	Err       error
}

// Execute performs one acquisition attempt for sys. The session is
// always driven to a terminal state, even when the adapter panics or
// the acquire deadline fires. With dryRun the adapter does the same
// work but nothing is persisted beyond the session row itself.
func (r *Runner) Execute(ctx context.Context, sys types.System, cause types.PollCause, dryRun bool) Outcome {
	out := Outcome{SystemID: sys.ID, Result: vendors.OutcomeError}

	adapter, err := r.registry.Resolve(sys.Vendor)
	if err != nil {
		out.Err = err
		return out
	}

	creds, err := r.creds(sys.OwnerRef, sys.ID)
	if err != nil {
		out.Err = fmt.Errorf("resolve credentials for system %d: %w", sys.ID, err)
		return out
	}

	startedAt := time.Now()
	session, err := r.tracker.Create(sys.Vendor, sys.ID, cause, startedAt)
	if err != nil {
		out.Err = err
		return out
	}
	out.SessionID = session.ID

	result, acquireErr := r.acquire(ctx, adapter, sys, creds, session, dryRun)
	duration := time.Since(startedAt)

	if acquireErr != nil {
		out.Err = acquireErr
		r.close(sys, session.ID, startedAt, dryRun, sessions.Result{
			Duration:  duration,
			ErrorCode: "acquire_failed",
			Error:     acquireErr.Error(),
		}, sessions.Attempt{Error: acquireErr.Error()})
		return out
	}

	out.Result = result.Outcome
	out.NextPoll = result.NextPoll

	if result.Outcome == vendors.OutcomeSkipped {
		r.close(sys, session.ID, startedAt, dryRun, sessions.Result{
			Duration:   duration,
			Successful: true,
			Response:   result.Reason,
		}, sessions.Attempt{Successful: true, Hint: result.Hint})
		return out
	}

	if !dryRun {
		stored, conflicts, err := r.ingest.InsertReadings(sys.ID, session, result.Readings)
		out.Stored, out.Conflicts = stored, conflicts
		if err != nil {
			out.Result = vendors.OutcomeError
			out.Err = err
			r.close(sys, session.ID, startedAt, dryRun, sessions.Result{
				Duration:  time.Since(startedAt),
				ErrorCode: "store_failed",
				Error:     err.Error(),
				Response:  result.Raw,
				NumRows:   stored,
			}, sessions.Attempt{Error: err.Error(), Response: result.Raw, Hint: result.Hint})
			return out
		}
	}

	r.close(sys, session.ID, startedAt, dryRun, sessions.Result{
		Duration:   duration,
		Successful: true,
		Response:   result.Raw,
		NumRows:    out.Stored,
	}, sessions.Attempt{Successful: true, Response: result.Raw, Hint: result.Hint})
	return out
}

// acquire runs the adapter under the configured deadline and turns a
// panic inside the adapter into an ordinary error.
func (r *Runner) acquire(ctx context.Context, adapter vendors.Adapter, sys types.System, creds vendors.Credentials, session types.Session, dryRun bool) (result *vendors.PollResult, err error) {
	actx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("adapter %s panicked: %v", sys.Vendor, rec)
		}
	}()

	result, err = adapter.Acquire(actx, sys, creds, session, dryRun)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("adapter %s returned no result", sys.Vendor)
	}
	return result, nil
}

// close drives the session terminal. A dry run writes nothing beyond
// the session row: folding it into the polling status would move the
// scheduling baseline and delay the next real poll.
func (r *Runner) close(sys types.System, sessionID int64, at time.Time, dryRun bool, res sessions.Result, att sessions.Attempt) {
	if err := r.tracker.Finish(sessionID, res); err != nil {
		log.Printf("Failed to finish session %d for system %d: %v", sessionID, sys.ID, err)
	}
	if dryRun {
		return
	}
	if err := r.tracker.UpdateStatus(sys.ID, at, att); err != nil {
		log.Printf("Failed to update polling status for system %d: %v", sys.ID, err)
	}
}
