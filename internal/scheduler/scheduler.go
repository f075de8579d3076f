package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/service"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// maxSleepCap bounds a single sleep so clock jumps are noticed within a minute
	maxSleepCap = 60 * time.Second
	maxBacklog  = 100000
)

// Runs is the part of the workflow service the scheduler drives.
type Runs interface {
	TriggerRun(ctx context.Context, logicalDate time.Time, trigger models.RunTrigger) (models.Run, error)
	LastScheduledRun() (models.Run, error)
}

// Scheduler triggers one run of a workflow per schedule tick.
type Scheduler struct {
	workflow models.Workflow
	runs     Runs
	logger   service.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	slots    chan struct{}
	backlog  int
	wg       sync.WaitGroup
}

type Option func(*Scheduler)

// WithClock replaces the wall clock and the sleep primitive, mainly for tests.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
		s.after = after
	}
}

// WithMaxBacklog caps how many missed ticks are caught up on activation.
func WithMaxBacklog(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.backlog = n
		}
	}
}

func New(wf models.Workflow, runs Runs, logger service.Logger, opts ...Option) (*Scheduler, error) {
	if !gronx.New().IsValid(wf.Schedule) {
		return nil, errors.Errorf("invalid schedule expression %q", wf.Schedule)
	}
	s := &Scheduler{
		workflow: wf,
		runs:     runs,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
		slots:    make(chan struct{}, wf.ActiveRunLimit()),
		backlog:  maxBacklog,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NextTick returns the first tick strictly after ref, never earlier than the start date.
func NextTick(wf models.Workflow, ref time.Time) (time.Time, error) {
	ref = ref.UTC()
	if start := wf.StartDate.UTC(); ref.Before(start) {
		return gronx.NextTickAfter(wf.Schedule, start, true)
	}
	return gronx.NextTickAfter(wf.Schedule, ref, false)
}

// Backlog lists the ticks missed while the workflow was inactive: with catch-up enabled,
// every tick after last (or from the start date when there was no scheduled run) up to
// and including now. Without catch-up nothing is backfilled.
func Backlog(wf models.Workflow, last, now time.Time) ([]time.Time, error) {
	ticks, _, err := backlog(wf, last, now, maxBacklog)
	return ticks, err
}

// backlog also reports whether ticks beyond limit were left out.
func backlog(wf models.Workflow, last, now time.Time, limit int) ([]time.Time, bool, error) {
	if !wf.CatchUp {
		return nil, false, nil
	}
	var ticks []time.Time
	cursor := last
	if cursor.IsZero() {
		// any instant before the start date makes NextTick include the start itself
		cursor = wf.StartDate.Add(-time.Nanosecond)
	}
	for {
		next, err := NextTick(wf, cursor)
		if err != nil {
			return nil, false, errors.Wrap(err, "compute backlog")
		}
		if next.After(now) {
			return ticks, false, nil
		}
		if len(ticks) >= limit {
			return ticks, true, nil
		}
		ticks = append(ticks, next)
		cursor = next
	}
}

// Run schedules runs until ctx is cancelled, then waits for in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	activation := s.now().UTC()
	var cursor time.Time
	last, err := s.runs.LastScheduledRun()
	switch {
	case err == nil:
		cursor = last.LogicalDate.UTC()
	case errors.Is(err, storage.ErrNotFound):
	default:
		return errors.Wrap(err, "read last scheduled run")
	}

	missed, truncated, err := backlog(s.workflow, cursor, activation, s.backlog)
	if err != nil {
		return err
	}
	if len(missed) > 0 {
		s.logger.Infof("Catching up %d missed run(s) of '%s' from %s", len(missed), s.workflow.ID, missed[0].Format(time.RFC3339))
	}
	if truncated {
		s.logger.Warnf("Catch-up of '%s' is capped at %d run(s); ticks after %s up to %s are skipped",
			s.workflow.ID, s.backlog, missed[len(missed)-1].Format(time.RFC3339), activation.Format(time.RFC3339))
	}
	for _, tick := range missed {
		if !s.dispatch(ctx, tick) {
			return nil
		}
		cursor = tick
	}
	if cursor.Before(activation) {
		cursor = activation
	}

	for {
		next, err := NextTick(s.workflow, cursor)
		if err != nil {
			return errors.Wrap(err, "compute next tick")
		}
		s.logger.Infof("Next run of '%s' at %s", s.workflow.ID, next.Format(time.RFC3339))
		if !s.sleepUntil(ctx, next) {
			return nil
		}
		if !s.dispatch(ctx, next) {
			return nil
		}
		cursor = next
	}
}

func (s *Scheduler) sleepUntil(ctx context.Context, t time.Time) bool {
	for {
		wait := t.Sub(s.now())
		if wait <= 0 {
			return ctx.Err() == nil
		}
		if wait > maxSleepCap {
			wait = maxSleepCap
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.after(wait):
		}
	}
}

// dispatch starts a run for tick once an active-run slot is free.
func (s *Scheduler) dispatch(ctx context.Context, tick time.Time) bool {
	select {
	case <-ctx.Done():
		return false
	case s.slots <- struct{}{}:
	}
	s.wg.Add(1)
	go func() {
		defer func() {
			<-s.slots
			s.wg.Done()
		}()
		run, err := s.runs.TriggerRun(ctx, tick, models.ScheduledRunTrigger)
		if err != nil {
			s.logger.Errorf("Scheduled run %s of '%s' for %s failed: %v", run.ID, s.workflow.ID, tick.Format(time.RFC3339), err)
			return
		}
		s.logger.Infof("Scheduled run %s of '%s' for %s finished with %s", run.ID, s.workflow.ID, tick.Format(time.RFC3339), run.Status)
	}()
	return true
}
