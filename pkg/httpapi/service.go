// Httpapi is the external surface of the collector: REST endpoints for
// catalog, series, latest values, sessions and admin aggregation, a
// push webhook, and a live websocket stream per system.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/nexwatt/fleet_telemetry/pkg/aggregator"
	"github.com/nexwatt/fleet_telemetry/pkg/ingest"
	"github.com/nexwatt/fleet_telemetry/pkg/pipeline"
	"github.com/nexwatt/fleet_telemetry/pkg/points"
	"github.com/nexwatt/fleet_telemetry/pkg/sessions"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors"
)

type Server struct {
	db       *sql.DB
	catalog  *points.Catalog
	tracker  *sessions.Tracker
	ingest   *ingest.Service
	agg      *aggregator.Service
	runner   *pipeline.Runner
	registry *vendors.Registry
	hub      *Hub
}

func NewServer(db *sql.DB, catalog *points.Catalog, tracker *sessions.Tracker, ing *ingest.Service, agg *aggregator.Service, runner *pipeline.Runner, registry *vendors.Registry) *Server {
	s := &Server{
		db:       db,
		catalog:  catalog,
		tracker:  tracker,
		ingest:   ing,
		agg:      agg,
		runner:   runner,
		registry: registry,
		hub:      NewHub(),
	}
	// Fresh latest values fan out to websocket subscribers of the
	// system as part of the ingestion call.
	ing.OnIngest = s.hub.Broadcast
	return s
}

// Handler returns the full route tree wrapped in request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/systems/{id:[0-9]+}/points", s.handlePoints).Methods(http.MethodGet)
	api.HandleFunc("/systems/{id:[0-9]+}/series", s.handleSeries).Methods(http.MethodGet)
	api.HandleFunc("/systems/{id:[0-9]+}/latest", s.handleLatest).Methods(http.MethodGet)
	api.HandleFunc("/systems/{id:[0-9]+}/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/systems/{id:[0-9]+}/push", s.handlePush).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id:[0-9]+}", s.handleSession).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/systems/{id:[0-9]+}/poll", s.handleAdminPoll).Methods(http.MethodPost)
	admin.HandleFunc("/systems/{id:[0-9]+}/aggregate", s.handleAdminAggregate).Methods(http.MethodPost)
	admin.HandleFunc("/systems/{id:[0-9]+}/aggregate", s.handleAdminDeleteAggregates).Methods(http.MethodDelete)
	admin.HandleFunc("/systems/{id:[0-9]+}/latest", s.handleAdminClearLatest).Methods(http.MethodDelete)

	r.HandleFunc("/ws/systems/{id:[0-9]+}/live", s.handleLive)

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Fleet Telemetry Collector API",
			"status":  "running",
		})
	})

	return handlers.LoggingHandler(os.Stdout, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
