package ingest

import (
	"database/sql"
	"strings"

	"github.com/nexwatt/fleet_telemetry/pkg/types"
)

// SeriesPoint is one raw sample in a time-ordered series response.
type SeriesPoint struct {
	Key        string   `json:"key"`
	Path       string   `json:"path,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	Value      *float64 `json:"value,omitempty"`
	Text       string   `json:"text,omitempty"`
	MeasuredAt int64    `json:"measured_at"`
}

// Series returns the raw readings of every active point whose path
// matches any of the glob patterns, within (after, upTo], ordered by
// measurement time. Patterns glob over dotted segments, e.g. "power.*";
// none means every point.
func (s *Service) Series(systemID int64, patterns []string, after, upTo int64) ([]SeriesPoint, error) {
	matched, err := s.catalog.FilterByPath(systemID, patterns)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	byIndex := make(map[int]types.Point, len(matched))
	placeholders := make([]string, 0, len(matched))
	args := []any{systemID, after, upTo}
	for _, p := range matched {
		byIndex[p.Index] = p
		placeholders = append(placeholders, "?")
		args = append(args, p.Index)
	}

	rows, err := s.db.Query(
		"SELECT point_index, value, text_value, measured_at FROM readings "+
			"WHERE system_id = ? AND measured_at > ? AND measured_at <= ? "+
			"AND point_index IN ("+strings.Join(placeholders, ", ")+") "+
			"ORDER BY measured_at, point_index",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SeriesPoint
	for rows.Next() {
		var idx int
		var value sql.NullFloat64
		var text sql.NullString
		var measuredAt int64
		if err := rows.Scan(&idx, &value, &text, &measuredAt); err != nil {
			return nil, err
		}
		p := byIndex[idx]
		sp := SeriesPoint{
			Key:        p.SourceKey,
			Path:       p.Path,
			Unit:       p.Unit,
			Text:       text.String,
			MeasuredAt: measuredAt,
		}
		if value.Valid {
			v := value.Float64
			sp.Value = &v
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}
