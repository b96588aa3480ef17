package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/billing-backend/pkg/logger"
)

// PurgeFunc deletes rows older than cutoff and reports how many went.
type PurgeFunc func(ctx context.Context, cutoff time.Time) (int64, error)

type purgeCounter interface {
	AddPurged(job string, rows int64)
}

type RetentionJobParams struct {
	Name      string
	Logger    *logger.Logger
	Purge     PurgeFunc
	Retention time.Duration
	Metrics   purgeCounter
}

// RetentionJob trims a table to a rolling window.
type RetentionJob struct {
	name      string
	logg      *logger.Logger
	purge     PurgeFunc
	retention time.Duration
	metrics   purgeCounter
	now       func() time.Time
}

func NewRetentionJob(params RetentionJobParams) (*RetentionJob, error) {
	switch {
	case strings.TrimSpace(params.Name) == "":
		return nil, fmt.Errorf("job name required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Purge == nil:
		return nil, fmt.Errorf("purge func required")
	case params.Retention <= 0:
		return nil, fmt.Errorf("retention must be positive")
	}
	return &RetentionJob{
		name:      params.Name,
		logg:      params.Logger,
		purge:     params.Purge,
		retention: params.Retention,
		metrics:   params.Metrics,
		now:       time.Now,
	}, nil
}

func (j *RetentionJob) Name() string { return j.name }

func (j *RetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	deleted, err := j.purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	if j.metrics != nil {
		j.metrics.AddPurged(j.name, deleted)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	}), "retention purge complete")
	return nil
}
