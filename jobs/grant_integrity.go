package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tecsuporte/helpdesk/internal/jobs"
	"github.com/tecsuporte/helpdesk/internal/permissions"
)

// GrantStore is the subset of the permissions repository the scan needs.
type GrantStore interface {
	ListEditWithoutRead(ctx context.Context) ([]permissions.Grant, error)
	GrantReadWhereEdit(ctx context.Context) (int64, error)
}

// GrantIntegrityResult summarises one scan.
type GrantIntegrityResult struct {
	Violations int
	Repaired   int64
	Profiles   []string
}

// GrantIntegrityJob finds grants that allow edit without read. Such rows
// predate write-time normalisation; with Repair set they are rewritten to
// allow read and the affected profiles are announced so live resolvers reload.
type GrantIntegrityJob struct {
	Store   GrantStore
	Events  permissions.Publisher
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewGrantIntegrityJob initialises the grant integrity handler.
func NewGrantIntegrityJob(store GrantStore, events permissions.Publisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *GrantIntegrityJob {
	return &GrantIntegrityJob{Store: store, Events: events, Logger: logger, Metrics: metrics}
}

// Handle decodes the task payload and runs the scan.
func (j *GrantIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("grant integrity: handler not configured")
	}
	var payload GrantIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("grant integrity: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run executes the scan.
func (j *GrantIntegrityJob) Run(ctx context.Context, payload GrantIntegrityPayload) (result GrantIntegrityResult, err error) {
	if j.Store == nil {
		return result, errors.New("grant integrity: store not configured")
	}
	tracker := j.Metrics.Track(TaskGrantIntegrity)
	defer func() {
		err = tracker.End(err)
	}()

	start := time.Now()
	logger := j.logger().With(slog.Bool("repair", payload.Repair))
	logger.Info("starting grant integrity scan")

	grants, err := j.Store.ListEditWithoutRead(ctx)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return result, fmt.Errorf("grant integrity: scan: %w", err)
	}

	seen := make(map[string]struct{})
	for _, g := range grants {
		logger.Warn("grant allows edit without read",
			slog.String("profile_id", g.ProfileID),
			slog.String("module", string(g.Module)),
		)
		j.Metrics.AddGrantViolations(string(g.Module), 1)
		if _, ok := seen[g.ProfileID]; !ok {
			seen[g.ProfileID] = struct{}{}
			result.Profiles = append(result.Profiles, g.ProfileID)
		}
	}
	result.Violations = len(grants)

	if payload.Repair && len(grants) > 0 {
		n, err := j.Store.GrantReadWhereEdit(ctx)
		if err != nil {
			logger.Error("repair failed", slog.Any("error", err))
			return result, fmt.Errorf("grant integrity: repair: %w", err)
		}
		result.Repaired = n
		j.Metrics.AddGrantRepairs(n)
		j.announce(ctx, logger, result.Profiles)
	}

	logger.Info("completed grant integrity scan",
		slog.Int("violations", result.Violations),
		slog.Int64("repaired", result.Repaired),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (j *GrantIntegrityJob) announce(ctx context.Context, logger *slog.Logger, profiles []string) {
	if j.Events == nil {
		return
	}
	for _, id := range profiles {
		if err := j.Events.ProfileChanged(ctx, id); err != nil {
			logger.Warn("publish profile change", slog.String("profile_id", id), slog.Any("error", err))
		}
	}
}

func (j *GrantIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
