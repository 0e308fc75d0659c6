// Backfill recomputes daily aggregates for one system, either over an
// explicit day range or for the last N days.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/aggregator"
	"github.com/nexwatt/fleet_telemetry/pkg/coredb"
	"github.com/nexwatt/fleet_telemetry/pkg/pathing"
)

func main() {
	systemID := flag.Int64("system", 0, "system id to backfill")
	fromDay := flag.String("from", "", "first day (YYYY-MM-DD)")
	toDay := flag.String("to", "", "last day (YYYY-MM-DD)")
	days := flag.Int("days", 0, "regenerate the last N days instead of an explicit range")
	flag.Parse()

	if *systemID == 0 {
		log.Fatal("-system is required")
	}

	db, err := coredb.Open(pathing.GetCoreDbPath())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := coredb.GetSystem(db, *systemID); err != nil {
		log.Fatalf("%v", err)
	}

	agg := aggregator.New(db)

	var outcomes []aggregator.DayOutcome
	switch {
	case *days > 0:
		outcomes, err = agg.RegenerateLastNDays(*systemID, *days, time.Now())
	case *fromDay != "" && *toDay != "":
		outcomes, err = agg.AggregateRange(*systemID, *fromDay, *toDay)
	default:
		log.Fatal("specify either -days or both -from and -to")
	}
	if err != nil {
		log.Fatalf("Backfill failed: %v", err)
	}

	written, failed, empty := 0, 0, 0
	for _, o := range outcomes {
		switch {
		case o.Error != "":
			failed++
			log.Printf("%s: FAILED: %s", o.Day, o.Error)
		case o.Written:
			written++
			log.Printf("%s: written", o.Day)
		default:
			empty++
			log.Printf("%s: no data", o.Day)
		}
	}
	log.Printf("Done: %d written, %d empty, %d failed", written, empty, failed)
}
