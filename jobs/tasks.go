package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskGrantIntegrity scans permission grants for edit without read.
	TaskGrantIntegrity = "permissions:grant_integrity"
)

// GrantIntegrityPayload controls a grant integrity run.
type GrantIntegrityPayload struct {
	Repair bool `json:"repair"`
}

// NewGrantIntegrityTask constructs the grant integrity task.
func NewGrantIntegrityTask(payload GrantIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantIntegrity, data, asynq.MaxRetry(1)), nil
}
