package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverrideCleanup sweeps expired user permission overrides.
	TaskOverrideCleanup = "overrides:cleanup"
)

// NewOverrideCleanupTask constructs the cleanup task. The sweep takes no
// parameters; it deletes whatever has expired by the time it runs.
func NewOverrideCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskOverrideCleanup, nil)
}

// OverrideCleaner is implemented by the overrides service.
type OverrideCleaner interface {
	CleanupExpiredOverrides(ctx context.Context) (int, error)
}

// CleanupMetrics counts removed overrides; nil-safe via the observability package.
type CleanupMetrics interface {
	AddCleanupRemoved(n int)
}

// OverrideCleanupJob processes TaskOverrideCleanup tasks.
type OverrideCleanupJob struct {
	cleaner OverrideCleaner
	metrics CleanupMetrics
	logger  *slog.Logger
}

// NewOverrideCleanupJob builds the job handler.
func NewOverrideCleanupJob(cleaner OverrideCleaner, metrics CleanupMetrics, logger *slog.Logger) *OverrideCleanupJob {
	return &OverrideCleanupJob{cleaner: cleaner, metrics: metrics, logger: logger}
}

// Handle runs the sweep. Safe to run concurrently with live grant/revoke
// traffic and with itself; a second run finds nothing left to clean.
func (j *OverrideCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	removed, err := j.cleaner.CleanupExpiredOverrides(ctx)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("override cleanup", slog.Any("error", err))
		}
		return err
	}
	if j.metrics != nil {
		j.metrics.AddCleanupRemoved(removed)
	}
	if j.logger != nil {
		j.logger.Info("override cleanup completed", slog.Int("removed", removed))
	}
	return nil
}
