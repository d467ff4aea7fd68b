package jobs

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Queue and task type identifiers.
const (
	QueueDefault = "default"

	TaskPermissionsWarmup = "permissions:warmup"
)

// WarmupPayload lists the accounts whose permissions should be precomputed.
type WarmupPayload struct {
	AccountIDs []int64 `json:"account_ids"`
}

// NewWarmupTask builds an enqueueable warmup task.
func NewWarmupTask(accountIDs []int64) (*asynq.Task, error) {
	if len(accountIDs) == 0 {
		return nil, errors.New("jobs: warmup requires at least one account")
	}
	payload, err := json.Marshal(WarmupPayload{AccountIDs: accountIDs})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionsWarmup, payload,
		asynq.TaskID(uuid.NewString()),
		asynq.Queue(QueueDefault),
	), nil
}
