package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"suiteline/internal/logger"
)

// Job names, also used as metric labels.
const (
	JobCrashCheck    = "crash_check"
	JobLockSweep     = "lock_sweep"
	JobFinalizeSweep = "finalize_sweep"
)

type jobs struct {
	cron *cron.Cron
	log  *zap.Logger
}

// jobTimeout bounds a single run so a stuck store cannot pin a job forever.
const jobTimeout = 5 * time.Minute

func (e *Engine) newJobs() (*jobs, error) {
	cl := logger.Cron(e.Log)
	c := cron.New(
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	j := &jobs{cron: c, log: e.Log.Named("jobs")}

	specs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{JobCrashCheck, e.Config.Heartbeat.CrashCheckSchedule, e.Monitor.Sweep},
		{JobLockSweep, e.Config.Scheduler.LockSweepSchedule, func(ctx context.Context) error {
			n, err := e.Scheduler.SweepLocks(ctx)
			if n > 0 {
				j.log.Debug("claim locks dropped", zap.Int("count", n))
			}
			return err
		}},
		{JobFinalizeSweep, e.Config.Orchestrator.FinalizeSweepSchedule, e.Orchestrator.FinalizeSweep},
	}
	for _, s := range specs {
		if _, err := c.AddFunc(s.schedule, e.runJob(j.log, s.name, s.run)); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", s.name, s.schedule, err)
		}
	}
	return j, nil
}

func (e *Engine) runJob(log *zap.Logger, name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		result := "ok"
		if err := run(ctx); err != nil {
			result = "error"
			log.Warn("job failed", zap.String("job", name), zap.Error(err))
		}
		if e.Metrics != nil {
			e.Metrics.JobRunsTotal.WithLabelValues(name, result).Inc()
		}
	}
}

func (j *jobs) start() {
	j.cron.Start()
	j.log.Info("jobs started", zap.Int("count", len(j.cron.Entries())))
}

// stop waits for running jobs to return or ctx to end.
func (j *jobs) stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
