package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// DefaultRetention is how long audit events are kept by default.
const DefaultRetention = 30 * 24 * time.Hour

// Pruner runs a single fixed-interval gocron job that deletes audit
// events older than Retention. Unlike the teacher's per-policy
// scheduler, there is exactly one recurring task here, so there is no
// per-job tagging or add/remove API — just Start/Stop.
type Pruner struct {
	cron      gocron.Scheduler
	store     *Store
	retention time.Duration
	interval  time.Duration
	log       *zap.Logger
}

// PrunerConfig controls the retention job's schedule and cutoff.
type PrunerConfig struct {
	// Retention is how old an event must be to get pruned. Zero means
	// DefaultRetention.
	Retention time.Duration
	// Interval is how often the prune job runs. Zero means once per hour.
	Interval time.Duration
}

// NewPruner builds a Pruner over store. Call Start to begin running it.
func NewPruner(cfg PrunerConfig, store *Store, log *zap.Logger) (*Pruner, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("audit: failed to create gocron scheduler: %w", err)
	}

	retention := cfg.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = time.Hour
	}

	return &Pruner{
		cron:      cron,
		store:     store,
		retention: retention,
		interval:  interval,
		log:       log.Named("audit.pruner"),
	}, nil
}

// Start schedules the retention job and starts the underlying gocron
// scheduler. Call once at server startup.
func (p *Pruner) Start(ctx context.Context) error {
	_, err := p.cron.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() {
			deleted, err := p.store.Prune(ctx, p.retention)
			if err != nil {
				p.log.Error("prune failed", zap.Error(err))
				return
			}
			if deleted > 0 {
				p.log.Info("pruned audit events", zap.Int64("deleted", deleted), zap.Duration("retention", p.retention))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("audit: failed to schedule prune job: %w", err)
	}

	p.cron.Start()
	p.log.Info("audit prune job started", zap.Duration("interval", p.interval), zap.Duration("retention", p.retention))
	return nil
}

// Stop gracefully shuts down the prune job, waiting for any in-flight
// run to finish.
func (p *Pruner) Stop() error {
	if err := p.cron.Shutdown(); err != nil {
		return fmt.Errorf("audit: pruner shutdown error: %w", err)
	}
	return nil
}
