package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/storage"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourly(catchUp bool) models.Workflow {
	return models.Workflow{ID: "order_monitor", Schedule: "@hourly", StartDate: start, CatchUp: catchUp}
}

// fakeClock advances virtual time whenever the scheduler sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// fakeRuns records triggered logical dates and cancels once enough runs were seen.
type fakeRuns struct {
	mu       sync.Mutex
	last     *models.Run
	dates    []time.Time
	stopAt   int
	cancel   context.CancelFunc
	hold     time.Duration
	inFlight int
	maxSeen  int
}

func (f *fakeRuns) LastScheduledRun() (models.Run, error) {
	if f.last == nil {
		return models.Run{}, storage.ErrNotFound
	}
	return *f.last, nil
}

func (f *fakeRuns) TriggerRun(ctx context.Context, logicalDate time.Time, trigger models.RunTrigger) (models.Run, error) {
	f.mu.Lock()
	f.dates = append(f.dates, logicalDate)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	if len(f.dates) == f.stopAt {
		f.cancel()
	}
	f.mu.Unlock()

	time.Sleep(f.hold)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return models.Run{ID: logicalDate.Format(time.RFC3339), LogicalDate: logicalDate, Trigger: trigger, Status: models.SuccessRunStatus}, nil
}

func (f *fakeRuns) Dates() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.dates...)
}

func runScheduler(t *testing.T, wf models.Workflow, now time.Time, runs *fakeRuns, stopAt int) []time.Time {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runs.stopAt = stopAt
	runs.cancel = cancel

	clock := &fakeClock{now: now}
	s, err := New(wf, runs, logrus.New(), WithClock(clock.Now, clock.After))
	assert.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	return runs.Dates()
}

func hoursFrom(from time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = from.Add(time.Duration(i) * time.Hour)
	}
	return out
}

func assertDatesPrefix(t *testing.T, want, got []time.Time) {
	t.Helper()
	if !assert.GreaterOrEqual(t, len(got), len(want)) {
		return
	}
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "run %d: want %s, got %s", i, want[i], got[i])
	}
}

func TestNextTick(t *testing.T) {
	wf := hourly(false)

	next, err := NextTick(wf, time.Date(2024, 3, 5, 14, 20, 0, 0, time.UTC))
	assert.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC).Equal(next), "got %s", next)

	next, err = NextTick(wf, time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC))
	assert.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 5, 16, 0, 0, 0, time.UTC).Equal(next), "ticks are strictly after the reference, got %s", next)

	next, err = NextTick(wf, time.Date(2023, 12, 31, 22, 10, 0, 0, time.UTC))
	assert.NoError(t, err)
	assert.True(t, start.Equal(next), "nothing is scheduled before the start date, got %s", next)
}

func TestBacklog(t *testing.T) {
	now := time.Date(2024, 1, 1, 5, 30, 0, 0, time.UTC)

	t.Run("CatchUpDisabled", func(t *testing.T) {
		ticks, err := Backlog(hourly(false), time.Time{}, now)
		assert.NoError(t, err)
		assert.Empty(t, ticks)
	})

	t.Run("CatchUpFromStart", func(t *testing.T) {
		ticks, err := Backlog(hourly(true), time.Time{}, now)
		assert.NoError(t, err)
		assert.Len(t, ticks, 6)
		assertDatesPrefix(t, hoursFrom(start, 6), ticks)
	})

	t.Run("CappedBacklog", func(t *testing.T) {
		ticks, truncated, err := backlog(hourly(true), time.Time{}, now, 4)
		assert.NoError(t, err)
		assert.True(t, truncated)
		assertDatesPrefix(t, hoursFrom(start, 4), ticks)
		assert.Len(t, ticks, 4)

		ticks, truncated, err = backlog(hourly(true), time.Time{}, now, 6)
		assert.NoError(t, err)
		assert.False(t, truncated)
		assert.Len(t, ticks, 6)
	})

	t.Run("CatchUpFromLastRun", func(t *testing.T) {
		ticks, err := Backlog(hourly(true), start.Add(3*time.Hour), now)
		assert.NoError(t, err)
		assert.Len(t, ticks, 2)
		assertDatesPrefix(t, hoursFrom(start.Add(4*time.Hour), 2), ticks)
	})

	t.Run("BeforeStartDate", func(t *testing.T) {
		ticks, err := Backlog(hourly(true), time.Time{}, start.Add(-time.Hour))
		assert.NoError(t, err)
		assert.Empty(t, ticks)
	})
}

func TestScheduler(t *testing.T) {
	activation := time.Date(2024, 1, 1, 5, 30, 0, 0, time.UTC)

	t.Run("NoBackfillWithoutCatchUp", func(t *testing.T) {
		dates := runScheduler(t, hourly(false), activation, &fakeRuns{}, 1)
		assertDatesPrefix(t, []time.Time{start.Add(6 * time.Hour)}, dates)
	})

	t.Run("NoBackfillAfterLastRunWithoutCatchUp", func(t *testing.T) {
		last := models.Run{LogicalDate: start.Add(time.Hour)}
		dates := runScheduler(t, hourly(false), activation, &fakeRuns{last: &last}, 1)
		assertDatesPrefix(t, []time.Time{start.Add(6 * time.Hour)}, dates)
	})

	t.Run("CatchUpBackfillsThenContinues", func(t *testing.T) {
		dates := runScheduler(t, hourly(true), activation, &fakeRuns{}, 7)
		assertDatesPrefix(t, hoursFrom(start, 7), dates)
	})

	t.Run("OneRunPerHour", func(t *testing.T) {
		dates := runScheduler(t, hourly(false), activation, &fakeRuns{}, 24)
		assertDatesPrefix(t, hoursFrom(start.Add(6*time.Hour), 24), dates)
		for i := 1; i < len(dates); i++ {
			assert.Equal(t, time.Hour, dates[i].Sub(dates[i-1]))
		}
	})

	t.Run("WaitsForStartDate", func(t *testing.T) {
		dates := runScheduler(t, hourly(false), start.Add(-90*time.Minute), &fakeRuns{}, 2)
		assertDatesPrefix(t, hoursFrom(start, 2), dates)
	})

	t.Run("RespectsMaxActiveRuns", func(t *testing.T) {
		runs := &fakeRuns{hold: 5 * time.Millisecond}
		runScheduler(t, hourly(true), activation, runs, 6)
		runs.mu.Lock()
		defer runs.mu.Unlock()
		assert.Equal(t, 1, runs.maxSeen)
	})

	t.Run("WarnsWhenCatchUpIsCapped", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runs := &fakeRuns{stopAt: 4, cancel: cancel}
		logger, hook := logrustest.NewNullLogger()
		clock := &fakeClock{now: activation}
		s, err := New(hourly(true), runs, logger, WithClock(clock.Now, clock.After), WithMaxBacklog(3))
		assert.NoError(t, err)
		assert.NoError(t, s.Run(ctx))

		// three backfilled ticks, then live scheduling resumes after activation
		assertDatesPrefix(t, append(hoursFrom(start, 3), start.Add(6*time.Hour)), runs.Dates())
		var warned bool
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "capped at 3 run(s)") {
				warned = true
			}
		}
		assert.True(t, warned, "expected a warning about the capped catch-up")
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		wf := hourly(false)
		wf.Schedule = "every hour please"
		_, err := New(wf, &fakeRuns{}, logrus.New())
		assert.Error(t, err)
	})
}
