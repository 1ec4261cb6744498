package dispatcher

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
	"github.com/testfleet/orchestrator/internal/store"
)

// ReconcileOrphans marks persisted jobs that are still PENDING or RUNNING
// but have no live worker as FAILED. Run once at startup, before any new
// job is accepted: such rows can only be leftovers of a previous process.
func (d *Dispatcher) ReconcileOrphans(ctx context.Context) error {
	jobs, err := d.store.Job().List(ctx, store.NewJobQueryFilter().ByStatuses(activeStatuses), store.NewJobQueryOptions())
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if _, ok := d.registry.Get(job.ID); ok {
			continue
		}
		now := time.Now().UTC()
		job.Status = api.JobStatusFailed
		job.ErrorMessage = "orchestrator restarted while job was active"
		job.EndTime = &now
		if _, err := d.store.Job().Update(ctx, job); err != nil {
			zap.S().Named("dispatcher").Errorw("failed to reconcile orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		zap.S().Named("dispatcher").Warnw("marked orphaned job as failed", "job_id", job.ID)
	}
	return nil
}

// Sweep deletes finished jobs older than the retention window. It ticks
// with jitter until the context is cancelled.
func (d *Dispatcher) Sweep(ctx context.Context, interval time.Duration) {
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: 30 * time.Millisecond, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *Dispatcher) sweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.retention)
	deleted, err := d.store.Job().DeleteFinishedBefore(ctx, terminalStatuses, cutoff)
	if err != nil {
		zap.S().Named("dispatcher").Errorw("failed to sweep finished jobs", "error", err)
		return
	}
	if deleted > 0 {
		zap.S().Named("dispatcher").Infow("swept finished jobs", "deleted", deleted, "cutoff", cutoff)
	}
}
