// The fleet collector daemon: schedules vendor polls, takes push
// deliveries over HTTP and MQTT, aggregates and serves the results.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nexwatt/fleet_telemetry/pkg/aggregator"
	"github.com/nexwatt/fleet_telemetry/pkg/config"
	"github.com/nexwatt/fleet_telemetry/pkg/coredb"
	"github.com/nexwatt/fleet_telemetry/pkg/httpapi"
	"github.com/nexwatt/fleet_telemetry/pkg/ingest"
	"github.com/nexwatt/fleet_telemetry/pkg/pathing"
	"github.com/nexwatt/fleet_telemetry/pkg/pipeline"
	"github.com/nexwatt/fleet_telemetry/pkg/points"
	"github.com/nexwatt/fleet_telemetry/pkg/scheduler"
	"github.com/nexwatt/fleet_telemetry/pkg/sessions"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/units"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors/dsmr"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors/evlink"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors/pushgw"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors/sunmod"
)

func main() {
	if err := config.LoadCollectorConfig(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.ActiveCollectorConfig

	db, err := coredb.Open(pathing.GetCoreDbPath())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	registry, err := vendors.NewRegistry(dsmr.New(), sunmod.New(), evlink.New(), pushgw.New())
	if err != nil {
		log.Fatalf("Failed to build vendor registry: %v", err)
	}

	// Config-declared systems are the onboarding source; sync them in.
	creds := make(map[int64]vendors.Credentials)
	for _, sc := range cfg.Systems {
		sys := types.System{
			ID:           sc.ID,
			Vendor:       sc.Vendor,
			VendorSiteID: sc.SiteID,
			Status:       types.SystemStatus(sc.Status),
			TZOffsetMin:  sc.TZOffsetMin,
			OwnerRef:     sc.Owner,
		}
		if sys.Status == "" {
			sys.Status = types.SystemActive
		}
		if err := coredb.UpsertSystem(db, sys); err != nil {
			log.Fatalf("Failed to sync system %d: %v", sc.ID, err)
		}
		creds[sc.ID] = vendors.Credentials(sc.Credentials)
	}
	log.Printf("Synced %d configured systems", len(cfg.Systems))

	credsFunc := func(_ string, systemID int64) (vendors.Credentials, error) {
		c, ok := creds[systemID]
		if !ok {
			return vendors.Credentials{}, nil
		}
		return c, nil
	}

	catalog := points.NewCatalog(db)
	tracker := sessions.NewTracker(db)
	agg := aggregator.New(db)
	ing := ingest.New(db, catalog, agg)
	runner := pipeline.NewRunner(registry, tracker, ing, credsFunc,
		time.Duration(cfg.AcquireTimeoutSeconds)*time.Second)
	sched := scheduler.New(db, registry, tracker, runner,
		time.Duration(cfg.HeartbeatSeconds)*time.Second, cfg.Workers)

	api := httpapi.NewServer(db, catalog, tracker, ing, agg, runner, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)
	go dailyMaintenance(ctx, db, agg, ing, cfg.RetentionDays)

	if cfg.MqttBroker != "" {
		listener, err := pushgw.NewListener(cfg.MqttBroker, cfg.MqttTopic, func(siteID string, payload []byte) {
			deliverMqtt(db, registry, runner, siteID, payload)
		})
		if err != nil {
			log.Fatalf("Failed to start MQTT listener: %v", err)
		}
		defer listener.Close()
	}

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)
	server := &http.Server{Addr: addr, Handler: api.Handler()}
	go func() {
		log.Printf("Starting Fleet Telemetry Collector API on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}

// deliverMqtt maps one MQTT delivery onto the same pipeline the HTTP
// webhook uses.
func deliverMqtt(db *sql.DB, registry *vendors.Registry, runner *pipeline.Runner, siteID string, payload []byte) {
	sys, err := coredb.GetSystemByVendorSite(db, pushgw.VendorID, siteID)
	if err != nil {
		log.Printf("MQTT delivery for unknown site %q: %v", siteID, err)
		return
	}
	adapter, err := registry.ResolvePush(sys.Vendor)
	if err != nil {
		log.Printf("MQTT delivery for site %q: %v", siteID, err)
		return
	}
	readings, err := adapter.ParseDelivery(payload)
	if err != nil {
		log.Printf("Rejected MQTT delivery for site %q: %v", siteID, err)
		return
	}
	out, err := runner.ExecutePush(sys, uuid.NewString(), readings)
	if err != nil {
		log.Printf("Failed to store MQTT delivery for system %d: %v", sys.ID, err)
		return
	}
	if out.Conflicts > 0 {
		log.Printf("MQTT delivery for system %d: %d stored, %d duplicates", sys.ID, out.Stored, out.Conflicts)
	}
}

// dailyMaintenance finalizes yesterday's daily aggregates shortly
// after each local midnight and prunes aggregated raw readings.
func dailyMaintenance(ctx context.Context, db *sql.DB, agg *aggregator.Service, ing *ingest.Service, retentionDays int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			systems, err := coredb.ListSystemsByStatus(db, types.SystemActive)
			if err != nil {
				log.Printf("Daily maintenance: %v", err)
				continue
			}
			for _, sys := range systems {
				day := units.DayOf(now.Add(-24*time.Hour).Unix(), sys.TZOffsetMin)
				if _, err := agg.AggregateDay(sys.ID, day); err != nil {
					log.Printf("Daily aggregation for system %d day %s failed: %v", sys.ID, day, err)
				}
			}
			if _, err := ing.PruneRaw(retentionDays); err != nil {
				log.Printf("Raw pruning failed: %v", err)
			}
		}
	}
}
