package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/louisbranch/taleloom/internal/platform/timeouts"
	"go.uber.org/zap"
)

const minEvictEvery = time.Second

type maintenanceJob struct {
	name  string
	every time.Duration
	run   func()
}

// schedule registers the maintenance jobs. Jobs run in singleton mode so a
// slow compaction never overlaps itself.
func (r *Runtime) schedule() error {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	r.scheduler = scheduler

	jobs := []maintenanceJob{
		{name: "session_flush", every: r.cfg.FlushEvery, run: r.flushSessions},
		{name: "memory_compact", every: r.tuning.Maintenance.CompressEvery, run: r.compactMemory},
	}
	if idle := r.tuning.Maintenance.IdleEviction; idle > 0 {
		jobs = append(jobs, maintenanceJob{name: "session_evict", every: max(idle/4, minEvictEvery), run: r.sessions.EvictIdle})
	}

	for _, job := range jobs {
		if job.every <= 0 {
			continue
		}
		if _, err := scheduler.NewJob(
			gocron.DurationJob(job.every),
			gocron.NewTask(job.run),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	return nil
}

func (r *Runtime) flushSessions() {
	ctx, cancel := context.WithTimeout(r.jobCtx, timeouts.Flush)
	defer cancel()
	r.sessions.FlushAll(ctx)
}

func (r *Runtime) compactMemory() {
	ctx, cancel := context.WithTimeout(r.jobCtx, timeouts.DirectorPass)
	defer cancel()
	if err := r.sessions.Compact(ctx, r.summary); err != nil {
		r.logger.Warn("memory compaction failed", zap.Error(err))
	}
}
