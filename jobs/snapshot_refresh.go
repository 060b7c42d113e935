package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-ppm/meridian/internal/identity"
)

// SnapshotRefreshJob resyncs identity snapshots.
type SnapshotRefreshJob struct {
	snapshotter *identity.Snapshotter
	logger      *slog.Logger
}

// NewSnapshotRefreshJob constructs a job handler.
func NewSnapshotRefreshJob(snapshotter *identity.Snapshotter, logger *slog.Logger) *SnapshotRefreshJob {
	return &SnapshotRefreshJob{snapshotter: snapshotter, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *SnapshotRefreshJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload SnapshotRefreshPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	switch payload.Mode {
	case "user":
		if payload.UserID == "" {
			return asynq.SkipRetry
		}
		return j.snapshotter.Refresh(ctx, payload.UserID)
	default:
		count, err := j.snapshotter.RefreshAll(ctx)
		if err != nil {
			if j.logger != nil {
				j.logger.Error("snapshot resync", slog.Any("error", err))
			}
			return err
		}
		if j.logger != nil {
			j.logger.Info("snapshot resync complete", slog.Int("refreshed", count))
		}
		return nil
	}
}
