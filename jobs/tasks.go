// Package jobs defines the background task types and the asynq worker
// wrapper. Maintenance work (grant-expiry sweeps, snapshot resyncs) runs
// here, off the permission-check request path.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskGrantsCleanup sweeps lapsed time-window grants.
	TaskGrantsCleanup = "authz:grants:cleanup"
	// TaskSnapshotRefresh resyncs denormalized identity snapshots.
	TaskSnapshotRefresh = "authz:snapshot:refresh"
)

// SnapshotRefreshPayload selects which users to resync.
type SnapshotRefreshPayload struct {
	// Mode is "all" or "user".
	Mode   string `json:"mode"`
	UserID string `json:"user_id,omitempty"`
}

// NewGrantsCleanupTask constructs a grant-sweep task.
func NewGrantsCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskGrantsCleanup, nil)
}

// NewSnapshotRefreshTask constructs a snapshot-resync task.
func NewSnapshotRefreshTask(payload SnapshotRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotRefresh, data), nil
}
