package sessions

import (
	"database/sql"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

// Attempt summarizes one finished acquisition for status bookkeeping.
type Attempt struct {
	Successful bool
	Error      string
	Response   string
	Hint       string // last observed trigger condition, "" keeps the previous one
}

// Status returns the rolling polling status of a system. A system that
// was never polled gets a zero-valued row.
func (t *Tracker) Status(systemID int64) (types.PollingStatus, error) {
	var st types.PollingStatus
	err := t.db.QueryRow(
		"SELECT system_id, last_poll_at, last_success_at, last_error_at, last_error, consecutive_errors, "+
			"total_polls, successful_polls, last_response, last_hint FROM polling_status WHERE system_id = ?",
		systemID,
	).Scan(&st.SystemID, &st.LastPollAt, &st.LastSuccessAt, &st.LastErrorAt, &st.LastError,
		&st.ConsecutiveErrors, &st.TotalPolls, &st.SuccessfulPolls, &st.LastResponse, &st.LastHint)
	if err == sql.ErrNoRows {
		return types.PollingStatus{SystemID: systemID}, nil
	}
	return st, err
}

// UpdateStatus folds one attempt into the rolling summary.
func (t *Tracker) UpdateStatus(systemID int64, at time.Time, a Attempt) error {
	st, err := t.Status(systemID)
	if err != nil {
		return err
	}

	st.SystemID = systemID
	st.LastPollAt = at.Unix()
	st.TotalPolls++
	if a.Successful {
		st.LastSuccessAt = at.Unix()
		st.SuccessfulPolls++
		st.ConsecutiveErrors = 0
	} else {
		st.LastErrorAt = at.Unix()
		st.LastError = a.Error
		st.ConsecutiveErrors++
	}
	if a.Response != "" {
		st.LastResponse = a.Response
	}
	if a.Hint != "" {
		st.LastHint = a.Hint
	}

	_, err = t.db.Exec(
		"INSERT OR REPLACE INTO polling_status "+
			"(system_id, last_poll_at, last_success_at, last_error_at, last_error, consecutive_errors, "+
			"total_polls, successful_polls, last_response, last_hint) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		st.SystemID, st.LastPollAt, st.LastSuccessAt, st.LastErrorAt, st.LastError,
		st.ConsecutiveErrors, st.TotalPolls, st.SuccessfulPolls, st.LastResponse, st.LastHint,
	)
	return err
}
