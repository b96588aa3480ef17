package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type purgeRecorder struct {
	cutoff time.Time
	calls  int
	rows   int64
	err    error
}

func (p *purgeRecorder) purge(_ context.Context, cutoff time.Time) (int64, error) {
	p.calls++
	p.cutoff = cutoff
	return p.rows, p.err
}

type purgedRows map[string]int64

func (p purgedRows) AddPurged(job string, rows int64) { p[job] += rows }

func TestRetentionJobPurgesBeforeWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	recorder := &purgeRecorder{rows: 7}
	counted := purgedRows{}
	job, err := NewRetentionJob(RetentionJobParams{
		Name:      "outbox-retention",
		Logger:    logger.Nop(),
		Purge:     recorder.purge,
		Retention: 30 * 24 * time.Hour,
		Metrics:   counted,
	})
	if err != nil {
		t.Fatalf("NewRetentionJob: %v", err)
	}
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-30 * 24 * time.Hour); !recorder.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, recorder.cutoff)
	}
	if recorder.calls != 1 {
		t.Fatalf("expected one purge call, got %d", recorder.calls)
	}
	if counted["outbox-retention"] != 7 {
		t.Fatalf("expected 7 purged rows counted, got %d", counted["outbox-retention"])
	}
}

func TestRetentionJobPropagatesError(t *testing.T) {
	recorder := &purgeRecorder{err: errors.New("boom")}
	job, err := NewRetentionJob(RetentionJobParams{
		Name:      "dead-letter-retention",
		Logger:    logger.Nop(),
		Purge:     recorder.purge,
		Retention: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewRetentionJob: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRetentionJobValidates(t *testing.T) {
	purge := (&purgeRecorder{}).purge
	cases := map[string]RetentionJobParams{
		"no name":      {Logger: logger.Nop(), Purge: purge, Retention: time.Hour},
		"no logger":    {Name: "x", Purge: purge, Retention: time.Hour},
		"no purge":     {Name: "x", Logger: logger.Nop(), Retention: time.Hour},
		"no retention": {Name: "x", Logger: logger.Nop(), Purge: purge},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewRetentionJob(params); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
