package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/iaglobal/plantwatch/internal/telemetry"
)

// Scheduler drives the polling engines on their configured cadences. Jobs
// run in singleton mode so a slow upstream can never stack overlapping
// cycles for the same source.
type Scheduler struct {
	scheduler *gocron.Scheduler
	engines   []*telemetry.Engine
}

// New creates a Scheduler over the given engines.
func New(engines []*telemetry.Engine) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		engines:   engines,
	}
}

// Start registers one recurring job per engine and starts the underlying
// scheduler. Each engine also gets an immediate first cycle so the dashboard
// is not empty until the first tick.
func (s *Scheduler) Start() error {
	if len(s.engines) == 0 {
		log.Println("scheduler: no engines configured; nothing to schedule")
		return nil
	}

	for _, e := range s.engines {
		e := e
		interval := e.Interval()
		if interval <= 0 {
			interval = 3 * time.Minute
		}

		_, err := s.scheduler.Every(interval).SingletonMode().Do(func() {
			log.Printf("scheduler: polling %s", e.Source().ID)
			e.Poll(context.Background())
		})
		if err != nil {
			return err
		}

		// Kick off the first cycle right away.
		go e.Poll(context.Background())
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
