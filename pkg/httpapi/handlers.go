package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nexwatt/fleet_telemetry/pkg/coredb"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

const maxPushBody = 1 << 20

func systemID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	pts, err := s.catalog.AllPoints(systemID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pts == nil {
		pts = []types.Point{}
	}
	writeJSON(w, http.StatusOK, pts)
}

// handleSeries serves time series at three resolutions. Raw readings
// filter by a dotted-path glob; 5-minute and daily rows are returned
// whole. Windows are (after, up-to] like everywhere else in the store.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	id := systemID(r)
	q := r.URL.Query()

	now := time.Now().Unix()
	from := queryInt64(r, "from", now-24*3600)
	to := queryInt64(r, "to", now)

	switch q.Get("resolution") {
	case "", "raw":
		series, err := s.ingest.Series(id, q["path"], from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, series)
	case "5min":
		buckets, err := s.agg.BucketsBetween(id, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, buckets)
	case "daily":
		days, err := s.agg.DailyRange(id, q.Get("from_day"), q.Get("to_day"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, days)
	default:
		writeError(w, http.StatusBadRequest, "resolution must be raw, 5min or daily")
	}
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	values, err := s.ingest.Latest(systemID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if values == nil {
		values = []types.LatestValue{}
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.tracker.Status(systemID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	session, err := s.tracker.ByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handlePush accepts an externally-delivered reading batch for a
// push-family system. The X-Delivery-Id header labels the session so
// redeliveries are traceable; without one a fresh uuid is assigned.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	sys, err := coredb.GetSystem(s.db, systemID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if sys.Status != types.SystemActive {
		writeError(w, http.StatusConflict, "system is not active")
		return
	}

	adapter, err := s.registry.ResolvePush(sys.Vendor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	readings, err := adapter.ParseDelivery(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	label := r.Header.Get("X-Delivery-Id")
	if label == "" {
		label = uuid.NewString()
	}

	out, err := s.runner.ExecutePush(sys, label, readings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminPoll triggers an immediate out-of-schedule acquisition.
// dry_run=1 exercises the vendor without persisting any reading.
func (s *Server) handleAdminPoll(w http.ResponseWriter, r *http.Request) {
	sys, err := coredb.GetSystem(s.db, systemID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	dryRun := r.URL.Query().Get("dry_run") == "1"
	out := s.runner.Execute(r.Context(), sys, types.CauseAdmin, dryRun)
	if out.Err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"session_id": out.SessionID,
			"outcome":    out.Result.String(),
			"error":      out.Err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": out.SessionID,
		"outcome":    out.Result.String(),
		"stored":     out.Stored,
		"conflicts":  out.Conflicts,
	})
}

type aggregateRequest struct {
	Day            string `json:"day,omitempty"`
	FromDay        string `json:"from_day,omitempty"`
	ToDay          string `json:"to_day,omitempty"`
	RegenerateDays int    `json:"regenerate_days,omitempty"`
}

// handleAdminAggregate recomputes daily aggregates: one day, a day
// range, or the last N days.
func (s *Server) handleAdminAggregate(w http.ResponseWriter, r *http.Request) {
	id := systemID(r)

	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.Day != "":
		agg, err := s.agg.AggregateDay(id, req.Day)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if agg == nil {
			writeJSON(w, http.StatusOK, map[string]any{"day": req.Day, "written": false})
			return
		}
		writeJSON(w, http.StatusOK, agg)
	case req.FromDay != "" && req.ToDay != "":
		outcomes, err := s.agg.AggregateRange(id, req.FromDay, req.ToDay)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
	case req.RegenerateDays > 0:
		outcomes, err := s.agg.RegenerateLastNDays(id, req.RegenerateDays, time.Now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, outcomes)
	default:
		writeError(w, http.StatusBadRequest, "specify day, from_day+to_day or regenerate_days")
	}
}

func (s *Server) handleAdminDeleteAggregates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fromDay, toDay := q.Get("from_day"), q.Get("to_day")
	if fromDay == "" || toDay == "" {
		writeError(w, http.StatusBadRequest, "from_day and to_day are required")
		return
	}
	n, err := s.agg.DeleteRange(systemID(r), fromDay, toDay)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleAdminClearLatest(w http.ResponseWriter, r *http.Request) {
	if err := s.ingest.ClearLatest(systemID(r)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
