// Sessions records one row per acquisition attempt, poll or push,
// regardless of what the attempt produced. A session is created
// pending before any reading is stored and receives exactly one
// terminal update.
package sessions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

type Tracker struct {
	db *sql.DB
}

func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// Result is the terminal outcome of an acquisition attempt.
type Result struct {
	Duration   time.Duration
	Successful bool
	ErrorCode  string
	Error      string
	Response   string
	NumRows    int
}

// Create inserts a pending session and returns it with its id set, so
// ingestion can reference the session before the outcome is known.
func (t *Tracker) Create(label string, systemID int64, cause types.PollCause, startedAt time.Time) (types.Session, error) {
	now := time.Now().Unix()
	res, err := t.db.Exec(
		"INSERT INTO sessions (system_id, label, cause, started_at, created_at) VALUES (?, ?, ?, ?, ?)",
		systemID, label, cause, startedAt.Unix(), now,
	)
	if err != nil {
		return types.Session{}, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Session{}, err
	}
	return types.Session{
		ID:        id,
		SystemID:  systemID,
		Label:     label,
		Cause:     cause,
		StartedAt: startedAt.Unix(),
		CreatedAt: now,
	}, nil
}

// Finish records the terminal outcome. The update is guarded on the
// pending state so a session can never be finished twice.
func (t *Tracker) Finish(sessionID int64, r Result) error {
	successful := 0
	if r.Successful {
		successful = 1
	}
	res, err := t.db.Exec(
		"UPDATE sessions SET duration_ms = ?, successful = ?, error_code = ?, error_msg = ?, response = ?, num_rows = ? "+
			"WHERE id = ? AND successful IS NULL",
		r.Duration.Milliseconds(), successful, r.ErrorCode, r.Error, r.Response, r.NumRows, sessionID,
	)
	if err != nil {
		return fmt.Errorf("finish session %d: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %d already finished or unknown", sessionID)
	}
	return nil
}

// Record creates and finishes a session in one step, for synchronous
// flows that have no open-then-close window.
func (t *Tracker) Record(label string, systemID int64, cause types.PollCause, startedAt time.Time, r Result) (types.Session, error) {
	sess, err := t.Create(label, systemID, cause, startedAt)
	if err != nil {
		return types.Session{}, err
	}
	if err := t.Finish(sess.ID, r); err != nil {
		return types.Session{}, err
	}
	return t.ByID(sess.ID)
}

// ByID returns one session, for diagnostics.
func (t *Tracker) ByID(id int64) (types.Session, error) {
	var s types.Session
	var successful sql.NullBool
	err := t.db.QueryRow(
		"SELECT id, system_id, label, cause, started_at, duration_ms, successful, error_code, error_msg, response, num_rows, created_at "+
			"FROM sessions WHERE id = ?",
		id,
	).Scan(&s.ID, &s.SystemID, &s.Label, &s.Cause, &s.StartedAt, &s.DurationMs,
		&successful, &s.ErrorCode, &s.Error, &s.Response, &s.NumRows, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, fmt.Errorf("session %d not found", id)
	}
	if err != nil {
		return s, err
	}
	if successful.Valid {
		v := successful.Bool
		s.Successful = &v
	}
	return s, nil
}
