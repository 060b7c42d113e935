package timegrant

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// CleanupJob processes grant-expiry sweep tasks.
type CleanupJob struct {
	service *Service
	logger  *slog.Logger
}

// NewCleanupJob constructs a job handler.
func NewCleanupJob(service *Service, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{service: service, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *CleanupJob) Handle(ctx context.Context, task *asynq.Task) error {
	count, err := j.service.CleanupExpired(ctx)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("grant cleanup", slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("grant cleanup complete", slog.Int64("deactivated", count))
	}
	return nil
}
