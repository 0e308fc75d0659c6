package sessions

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexwatt/fleet_telemetry/pkg/coredb"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := coredb.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionLifecycle(t *testing.T) {
	tr := NewTracker(openTestDB(t))

	sess, err := tr.Create("sunmod", 1, types.CauseCron, time.Now())
	require.NoError(t, err)
	assert.NotZero(t, sess.ID)

	// Pending until the terminal update.
	pending, err := tr.ByID(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, pending.Successful)

	err = tr.Finish(sess.ID, Result{
		Duration:   1200 * time.Millisecond,
		Successful: true,
		Response:   "2 registers",
		NumRows:    2,
	})
	require.NoError(t, err)

	done, err := tr.ByID(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Successful)
	assert.True(t, *done.Successful)
	assert.Equal(t, int64(1200), done.DurationMs)
	assert.Equal(t, 2, done.NumRows)
}

func TestFinishIsExactlyOnce(t *testing.T) {
	tr := NewTracker(openTestDB(t))

	sess, err := tr.Create("evlink", 1, types.CauseAdmin, time.Now())
	require.NoError(t, err)
	require.NoError(t, tr.Finish(sess.ID, Result{Successful: true}))

	// Second terminal update must be refused, not absorbed.
	err = tr.Finish(sess.ID, Result{Successful: false, Error: "late failure"})
	assert.Error(t, err)

	done, err := tr.ByID(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Successful)
	assert.True(t, *done.Successful)
}

func TestFinishUnknownSession(t *testing.T) {
	tr := NewTracker(openTestDB(t))
	assert.Error(t, tr.Finish(12345, Result{Successful: true}))
}

func TestRecordFailedAttempt(t *testing.T) {
	tr := NewTracker(openTestDB(t))

	sess, err := tr.Record("dsmr", 1, types.CauseCron, time.Now(), Result{
		Duration:  5 * time.Second,
		ErrorCode: "acquire_failed",
		Error:     "serial port not connected",
	})
	require.NoError(t, err)
	require.NotNil(t, sess.Successful)
	assert.False(t, *sess.Successful)
	assert.Equal(t, "acquire_failed", sess.ErrorCode)
}

func TestStatusFold(t *testing.T) {
	tr := NewTracker(openTestDB(t))
	now := time.Now()

	// Never polled: zero row, not an error.
	st, err := tr.Status(7)
	require.NoError(t, err)
	assert.Zero(t, st.LastPollAt)

	require.NoError(t, tr.UpdateStatus(7, now, Attempt{Successful: true, Hint: "charging"}))
	require.NoError(t, tr.UpdateStatus(7, now.Add(time.Minute), Attempt{Error: "timeout"}))
	require.NoError(t, tr.UpdateStatus(7, now.Add(2*time.Minute), Attempt{Error: "timeout"}))

	st, err = tr.Status(7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalPolls)
	assert.Equal(t, int64(1), st.SuccessfulPolls)
	assert.Equal(t, 2, st.ConsecutiveErrors)
	assert.Equal(t, now.Unix(), st.LastSuccessAt)
	assert.Equal(t, "timeout", st.LastError)
	// An attempt without a hint keeps the previous one.
	assert.Equal(t, "charging", st.LastHint)

	// Success resets the error streak and can replace the hint.
	require.NoError(t, tr.UpdateStatus(7, now.Add(3*time.Minute), Attempt{Successful: true, Hint: "idle"}))
	st, err = tr.Status(7)
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveErrors)
	assert.Equal(t, "idle", st.LastHint)
}
