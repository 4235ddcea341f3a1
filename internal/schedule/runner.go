// Package schedule launches batches whose scheduled time has arrived. A
// cron-driven scan finds due batches and pushes each through the launcher;
// already-consumed batches are skipped quietly.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"callengine/internal/launch"
	"callengine/internal/store"
)

// BatchLauncher is the subset of the launcher the runner drives.
type BatchLauncher interface {
	Launch(ctx context.Context, userID, campaignID, batchName string) (launch.Result, error)
}

// Runner periodically scans for due batches.
type Runner struct {
	batches  store.BatchRepo
	launcher BatchLauncher
	log      *slog.Logger

	interval time.Duration
	clock    func() time.Time
	cron     *cron.Cron
}

func New(batches store.BatchRepo, launcher BatchLauncher, log *slog.Logger, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		batches:  batches,
		launcher: launcher,
		log:      log,
		interval: interval,
		clock:    time.Now,
	}
}

// Start begins scanning in the background until Stop or ctx cancellation.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := c.AddFunc(spec, func() { r.Scan(ctx) }); err != nil {
		return fmt.Errorf("register batch scan: %w", err)
	}
	r.cron = c
	c.Start()
	r.log.Info("batch scheduler started", "interval", r.interval.String())

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for an in-flight scan to finish.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.log.Info("batch scheduler stopped")
}

// Scan launches every batch that is due. One failing batch does not stop
// the rest; the race where another instance launches first is absorbed by
// the launcher's consumed-batch check.
func (r *Runner) Scan(ctx context.Context) {
	due, err := r.batches.ListDue(ctx, r.clock())
	if err != nil {
		r.log.Error("due batch scan failed", "error", err)
		return
	}

	for _, ref := range due {
		res, err := r.launcher.Launch(ctx, ref.CreatedBy, ref.CampaignID, ref.BatchName)
		if err != nil {
			if errors.Is(err, launch.ErrBatchAlreadyLaunched) {
				r.log.Debug("batch taken by another instance", "batch", ref.BatchName)
				continue
			}
			r.log.Error("scheduled launch failed",
				"batch", ref.BatchName, "campaign_id", ref.CampaignID, "error", err)
			continue
		}
		r.log.Info("scheduled batch launched",
			"batch", ref.BatchName, "dispatched", res.Dispatched, "failed", res.Failed)
	}
}
