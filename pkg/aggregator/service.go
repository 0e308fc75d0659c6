// Aggregator folds raw readings into fixed 5-minute interval buckets
// and those buckets into one row per local calendar day, so downstream
// queries never re-scan raw history.
package aggregator

import (
	"database/sql"
)

type Service struct {
	db *sql.DB
}

func New(db *sql.DB) *Service {
	return &Service{db: db}
}
