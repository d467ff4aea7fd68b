package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cohortd/cohortd/internal/group"
	"github.com/cohortd/cohortd/internal/permission"
)

// PermissionCalculator is the slice of the engine the warmup job needs.
type PermissionCalculator interface {
	CalculatePermissions(ctx context.Context, account permission.Account) (*permission.Calculated, error)
}

// AccountLoader resolves account snapshots for warmup targets.
type AccountLoader interface {
	Account(ctx context.Context, id int64) (group.Account, error)
}

// PermissionsWarmupJob precomputes and caches permissions for a batch of
// accounts, so the first interactive request after an invalidation does not
// pay the full calculation cost.
type PermissionsWarmupJob struct {
	Accounts   AccountLoader
	Calculator PermissionCalculator
	Logger     *slog.Logger
}

// NewPermissionsWarmupJob wires dependencies for the warmup handler.
func NewPermissionsWarmupJob(accounts AccountLoader, calculator PermissionCalculator, logger *slog.Logger) *PermissionsWarmupJob {
	return &PermissionsWarmupJob{Accounts: accounts, Calculator: calculator, Logger: logger}
}

// Handle processes warmup tasks.
func (j *PermissionsWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Calculator == nil || j.Accounts == nil {
		return errors.New("permissions warmup: handler not configured")
	}
	var payload WarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger()
	start := time.Now()
	warmed := 0
	for _, id := range payload.AccountIDs {
		account, err := j.Accounts.Account(ctx, id)
		if err != nil {
			if errors.Is(err, group.ErrNotFound) {
				logger.Warn("skip unknown account", slog.Int64("account_id", id))
				continue
			}
			logger.Error("load warmup account", slog.Int64("account_id", id), slog.Any("error", err))
			return err
		}
		if _, err := j.Calculator.CalculatePermissions(ctx, account); err != nil {
			logger.Error("warm account permissions", slog.Int64("account_id", id), slog.Any("error", err))
			return err
		}
		warmed++
	}

	logger.Info("completed permissions warmup",
		slog.Int("accounts", warmed),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *PermissionsWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
