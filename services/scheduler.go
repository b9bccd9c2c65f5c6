// services/scheduler.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

type SchedulerOptions struct {
	SweepInterval time.Duration
	SweepCron     string
	SnapshotCron  string
}

// StartLadderScheduler runs the periodic sweep, the cron-aligned sweep and,
// when a snapshotter is given, the snapshot export. Every job runs in
// singleton mode so a slow pass is never overlapped by the next one.
func StartLadderScheduler(ctx context.Context, rec *Reconciler, snap *LadderSnapshotter, opts SchedulerOptions, log *zap.SugaredLogger) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := addLadderJobs(ctx, sched, rec, snap, opts, log); err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	sched.Start()
	log.Infow("⏱️ ladder scheduler started",
		"sweep_interval", opts.SweepInterval,
		"sweep_cron", opts.SweepCron,
		"snapshot_cron", opts.SnapshotCron)
	return sched, nil
}

func addLadderJobs(ctx context.Context, sched gocron.Scheduler, rec *Reconciler, snap *LadderSnapshotter, opts SchedulerOptions, log *zap.SugaredLogger) error {
	sweep := func(label string) func() {
		return func() {
			if _, err := rec.Sweep(ctx); err != nil {
				log.Errorw("[Scheduler] sweep failed", "job", label, "err", err)
			}
		}
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(opts.SweepInterval),
		gocron.NewTask(sweep("interval")),
		gocron.WithName("expiry-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	if opts.SweepCron != "" {
		if _, err := sched.NewJob(
			gocron.CronJob(opts.SweepCron, false),
			gocron.NewTask(sweep("cron")),
			gocron.WithName("scheduled-sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("failed to schedule cron sweep %q: %w", opts.SweepCron, err)
		}
	}

	if snap != nil && opts.SnapshotCron != "" {
		if _, err := sched.NewJob(
			gocron.CronJob(opts.SnapshotCron, false),
			gocron.NewTask(func() {
				if _, err := snap.Take(ctx); err != nil {
					log.Errorw("[Scheduler] snapshot failed", "err", err)
				}
			}),
			gocron.WithName("ladder-snapshot"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("failed to schedule snapshot %q: %w", opts.SnapshotCron, err)
		}
	}

	return nil
}
