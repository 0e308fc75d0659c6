// Scheduler drives cron acquisition: a heartbeat ticker snapshots the
// active systems, evaluates every vendor schedule and runs the due
// ones through the pipeline with bounded parallelism. Rate-budgeted
// vendor families get their own pass with an in-memory daily counter.
package scheduler

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/nexwatt/fleet_telemetry/pkg/coredb"
	"github.com/nexwatt/fleet_telemetry/pkg/pipeline"
	"github.com/nexwatt/fleet_telemetry/pkg/sessions"
	"github.com/nexwatt/fleet_telemetry/pkg/types"
	"github.com/nexwatt/fleet_telemetry/pkg/vendors"
)

type Scheduler struct {
	db       *sql.DB
	registry *vendors.Registry
	tracker  *sessions.Tracker
	runner   *pipeline.Runner

	heartbeat time.Duration
	workers   int

	mu     sync.Mutex
	budget map[int64]*budgetState // per budgeted system
}

// budgetState counts calls against a vendor's daily quota. The counter
// is in-process only; a restart starts a fresh count, which errs on
// the side of polling.
type budgetState struct {
	day  string
	used int
}

func New(db *sql.DB, registry *vendors.Registry, tracker *sessions.Tracker, runner *pipeline.Runner, heartbeat time.Duration, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		db:        db,
		registry:  registry,
		tracker:   tracker,
		runner:    runner,
		heartbeat: heartbeat,
		workers:   workers,
		budget:    make(map[int64]*budgetState),
	}
}

// Summary is what one tick did, for the heartbeat log line.
type Summary struct {
	Polled  int
	Skipped int
	Errored int
}

// Run ticks until ctx is cancelled. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("Scheduler started, heartbeat %s, %d workers", s.heartbeat, s.workers)
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	s.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			log.Println("Scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	summary, err := s.Tick(ctx, now)
	if err != nil {
		log.Printf("Scheduler tick failed: %v", err)
		return
	}
	if summary.Polled > 0 || summary.Errored > 0 {
		log.Printf("Tick: %d polled, %d skipped, %d errored", summary.Polled, summary.Skipped, summary.Errored)
	}
}

// Tick runs one full scheduling pass over a snapshot of the active
// systems. Systems added or disabled mid-tick are picked up on the
// next one.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Summary, error) {
	systems, err := coredb.ListSystemsByStatus(s.db, types.SystemActive)
	if err != nil {
		return Summary{}, err
	}

	var plain, budgeted []types.System
	for _, sys := range systems {
		adapter, err := s.registry.Resolve(sys.Vendor)
		if err != nil {
			log.Printf("System %d: %v", sys.ID, err)
			continue
		}
		if adapter.Info().DailyCallBudget > 0 {
			budgeted = append(budgeted, sys)
		} else {
			plain = append(plain, sys)
		}
	}

	var summary Summary
	s.mainPass(ctx, now, plain, &summary)
	s.budgetedPass(ctx, now, budgeted, &summary)
	return summary, nil
}

// mainPass polls the due non-budgeted systems through a bounded worker
// pool. One system failing or panicking never affects the others.
func (s *Scheduler) mainPass(ctx context.Context, now time.Time, systems []types.System, summary *Summary) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sem  = make(chan struct{}, s.workers)
		tick = func(polled, skipped, errored int) {
			mu.Lock()
			summary.Polled += polled
			summary.Skipped += skipped
			summary.Errored += errored
			mu.Unlock()
		}
	)

	for _, sys := range systems {
		decision, ok := s.evaluate(sys, now)
		if !ok {
			tick(0, 0, 1)
			continue
		}
		if !decision.ShouldPoll {
			tick(0, 1, 0)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(sys types.System) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("System %d poll panicked: %v", sys.ID, rec)
					tick(0, 0, 1)
				}
			}()

			out := s.runner.Execute(ctx, sys, types.CauseCron, false)
			switch {
			case out.Err != nil:
				log.Printf("System %d poll failed: %v", sys.ID, out.Err)
				tick(0, 0, 1)
			case out.Result == vendors.OutcomeSkipped:
				tick(0, 1, 0)
			default:
				tick(1, 0, 0)
			}
		}(sys)
	}
	wg.Wait()
}

// budgetedPass polls rate-budgeted systems sequentially, charging each
// attempt against the family's daily call budget.
func (s *Scheduler) budgetedPass(ctx context.Context, now time.Time, systems []types.System, summary *Summary) {
	for _, sys := range systems {
		adapter, err := s.registry.Resolve(sys.Vendor)
		if err != nil {
			summary.Errored++
			continue
		}
		if !s.charge(sys.ID, adapter.Info().DailyCallBudget, now) {
			summary.Skipped++
			continue
		}

		decision, ok := s.evaluate(sys, now)
		if !ok {
			s.refund(sys.ID)
			summary.Errored++
			continue
		}
		if !decision.ShouldPoll {
			s.refund(sys.ID)
			summary.Skipped++
			continue
		}

		out := s.runner.Execute(ctx, sys, types.CauseCron, false)
		switch {
		case out.Err != nil:
			log.Printf("System %d poll failed: %v", sys.ID, out.Err)
			summary.Errored++
		case out.Result == vendors.OutcomeSkipped:
			summary.Skipped++
		default:
			summary.Polled++
		}
	}
}

func (s *Scheduler) evaluate(sys types.System, now time.Time) (vendors.ScheduleDecision, bool) {
	adapter, err := s.registry.Resolve(sys.Vendor)
	if err != nil {
		return vendors.ScheduleDecision{}, false
	}
	status, err := s.tracker.Status(sys.ID)
	if err != nil {
		log.Printf("System %d: failed to load polling status: %v", sys.ID, err)
		return vendors.ScheduleDecision{}, false
	}
	return adapter.EvaluateSchedule(sys, status, now), true
}

// charge reserves one call against the system's daily budget. Returns
// false when the budget for the current day is spent.
func (s *Scheduler) charge(systemID int64, budget int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := now.Format("2006-01-02")
	st := s.budget[systemID]
	if st == nil || st.day != day {
		st = &budgetState{day: day}
		s.budget[systemID] = st
	}
	if st.used >= budget {
		return false
	}
	st.used++
	return true
}

// refund returns a reserved call that was not spent on a poll.
func (s *Scheduler) refund(systemID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.budget[systemID]; st != nil && st.used > 0 {
		st.used--
	}
}
