package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Background job names.
const (
	taskSweep       = "scheduled_send_sweep"
	taskMaintenance = "sql_maintenance"
)

// taskFunc is the signature shared by the periodic background jobs.
type taskFunc func(ctx context.Context) error

// cronRunner drives the periodic jobs through gocron.
type cronRunner struct {
	log       *slog.Logger
	scheduler gocron.Scheduler

	mu      sync.Mutex
	running bool
}

func newCronRunner(logger *slog.Logger) (*cronRunner, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}

	return &cronRunner{
		log:       logger.With("component", "cron"),
		scheduler: s,
	}, nil
}

// add registers a fixed-interval job with logging around each run.
func (c *cronRunner) add(name string, every time.Duration, task taskFunc) error {
	_, err := c.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(
			func(ctx context.Context, taskName string) {
				log := c.log.With("task", taskName)
				start := time.Now()
				if taskErr := task(ctx); taskErr != nil {
					log.Error("task failed", "duration", time.Since(start), "error", taskErr)
					return
				}
				log.Debug("task finished", "duration", time.Since(start))
			},
			context.Background(),
			name,
		),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", name, err)
	}

	c.log.Info("task scheduled", "task", name, "interval", every)
	return nil
}

// start begins the scheduler's internal ticking.
func (c *cronRunner) start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.scheduler.Start()
	c.running = true
}

// stop shuts the scheduler down, waiting for running jobs to complete.
func (c *cronRunner) stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	if err := c.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown gocron scheduler: %w", err)
	}
	return nil
}
