package ingest

import (
	"log"
	"time"
)

// PruneRaw deletes raw readings older than retentionDays, but only for
// systems whose 5-minute aggregates already cover the pruned window.
// A system that stopped aggregating keeps its raw history until the
// aggregates catch up.
func (s *Service) PruneRaw(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()

	res, err := s.db.Exec(
		"DELETE FROM readings WHERE measured_at < ? AND system_id IN ("+
			"SELECT system_id FROM agg_5min GROUP BY system_id HAVING MAX(interval_end) >= ?)",
		cutoff, cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("Pruned %d raw readings older than %d days", n, retentionDays)
	}
	return n, nil
}
