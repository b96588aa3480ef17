package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type fakeLocker struct {
	held     bool
	released int
	err      error
}

func (f *fakeLocker) AcquireLock(context.Context, string, string, time.Duration) (func(context.Context) error, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held {
		return nil, false, nil
	}
	f.held = true
	return func(context.Context) error {
		f.held = false
		f.released++
		return nil
	}, true, nil
}

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

type recordedRuns map[string]string

func (r recordedRuns) ObserveRun(job, outcome string, _ time.Duration) { r[job] = outcome }

func TestRunCycleRunsEveryJobEvenOnFailure(t *testing.T) {
	ok := &testJob{name: "ok"}
	broken := &testJob{name: "broken", err: errors.New("boom")}
	locker := &fakeLocker{}
	runs := recordedRuns{}
	service, err := NewService(ServiceParams{
		Logger:  logger.Nop(),
		Jobs:    []Job{broken, nil, ok},
		Locker:  locker,
		Metrics: runs,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if ok.runs != 1 || broken.runs != 1 {
		t.Fatalf("expected both jobs to run once, got ok=%d broken=%d", ok.runs, broken.runs)
	}
	if runs["ok"] != "success" || runs["broken"] != "failure" {
		t.Fatalf("unexpected outcomes %v", runs)
	}
	if locker.released != 1 || locker.held {
		t.Fatalf("expected lock released once, released=%d held=%v", locker.released, locker.held)
	}
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "ok"}
	service, err := NewService(ServiceParams{
		Logger: logger.Nop(),
		Jobs:   []Job{job},
		Locker: &fakeLocker{held: true},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("expected job skipped, ran %d", job.runs)
	}
}

func TestRunCycleSurfacesLockErrors(t *testing.T) {
	service, err := NewService(ServiceParams{
		Logger: logger.Nop(),
		Jobs:   []Job{&testJob{name: "ok"}},
		Locker: &fakeLocker{err: errors.New("redis down")},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err == nil {
		t.Fatal("expected lock error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Locker:   &fakeLocker{},
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := service.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewServiceRequiresLocker(t *testing.T) {
	if _, err := NewService(ServiceParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected error without locker")
	}
}
