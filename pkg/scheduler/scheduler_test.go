package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/pkg/history"
	"github.com/hearthhq/hearth/pkg/observability"
)

// newTestScheduler starts a scheduler whose ticker effectively never
// fires; tests drive evaluation by hand with synthetic clocks.
func newTestScheduler(t *testing.T) (*Scheduler, *history.MemoryStore) {
	t.Helper()

	ledger := history.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour

	s := New(cfg, ledger, observability.NewLogger(observability.ErrorLevel, io.Discard), nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, ledger
}

func countByStatus(t *testing.T, ledger history.Store, status history.Status) int {
	t.Helper()
	page, err := ledger.List(history.Filter{}, 1, 1000)
	require.NoError(t, err)
	n := 0
	for _, e := range page.Entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

func noopHandler(context.Context, Execution) error { return nil }

func minutelyTrigger(start time.Time, misfire MisfireInstruction) *TriggerDefinition {
	return &TriggerDefinition{
		Name:           "minutely",
		Group:          "test",
		Type:           TriggerTypeSimple,
		RepeatCount:    RepeatForever,
		RepeatInterval: time.Minute,
		StartTime:      start,
		Misfire:        misfire,
	}
}

func TestScheduleValidation(t *testing.T) {
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		def     JobDefinition
		trig    *TriggerDefinition
		handler Handler
		wantErr error
	}{
		{
			name:    "bad cron expression",
			def:     JobDefinition{Name: "j", Group: "g"},
			trig:    &TriggerDefinition{Name: "t", Group: "g", Type: TriggerTypeCron, CronExpression: "not a cron"},
			handler: noopHandler,
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "missing cron expression",
			def:     JobDefinition{Name: "j", Group: "g"},
			trig:    &TriggerDefinition{Name: "t", Group: "g", Type: TriggerTypeCron},
			handler: noopHandler,
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "unknown time zone",
			def:     JobDefinition{Name: "j", Group: "g"},
			trig:    &TriggerDefinition{Name: "t", Group: "g", Type: TriggerTypeCron, CronExpression: "0 0 2 * * ?", TimeZone: "Mars/Olympus"},
			handler: noopHandler,
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "inverted time window",
			def:     JobDefinition{Name: "j", Group: "g"},
			trig:    &TriggerDefinition{Name: "t", Group: "g", Type: TriggerTypeCron, CronExpression: "0 0 2 * * ?", StartTime: base, EndTime: base.Add(-time.Hour)},
			handler: noopHandler,
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "negative repeat count",
			def:     JobDefinition{Name: "j", Group: "g"},
			trig:    &TriggerDefinition{Name: "t", Group: "g", Type: TriggerTypeSimple, RepeatCount: -2, RepeatInterval: time.Minute},
			handler: noopHandler,
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "repeating trigger without interval",
			def:     JobDefinition{Name: "j", Group: "g"},
			trig:    &TriggerDefinition{Name: "t", Group: "g", Type: TriggerTypeSimple, RepeatCount: 3},
			handler: noopHandler,
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "unknown misfire instruction",
			def:     JobDefinition{Name: "j", Group: "g"},
			trig:    &TriggerDefinition{Name: "t", Group: "g", Type: TriggerTypeCron, CronExpression: "0 0 2 * * ?", Misfire: "PANIC"},
			handler: noopHandler,
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "unknown trigger type",
			def:     JobDefinition{Name: "j", Group: "g"},
			trig:    &TriggerDefinition{Name: "t", Group: "g", Type: "CALENDAR"},
			handler: noopHandler,
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "nil handler",
			def:     JobDefinition{Name: "j", Group: "g"},
			trig:    &TriggerDefinition{Name: "t", Group: "g", Type: TriggerTypeCron, CronExpression: "0 0 2 * * ?"},
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "non-durable job without trigger",
			def:     JobDefinition{Name: "j", Group: "g"},
			handler: noopHandler,
			wantErr: ErrInvalidTriggerSpec,
		},
		{
			name:    "durable job without trigger",
			def:     JobDefinition{Name: "j", Group: "g", Durable: true},
			handler: noopHandler,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScheduler(t)
			err := s.Schedule(tt.def, tt.trig, tt.handler)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduleDuplicateKey(t *testing.T) {
	s, _ := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	def := JobDefinition{Name: "report", Group: "test"}
	require.NoError(t, s.Schedule(def, minutelyTrigger(now, ""), noopHandler))
	err := s.Schedule(def, minutelyTrigger(now, ""), noopHandler)
	assert.ErrorIs(t, err, ErrDuplicateJobKey)
}

func TestFireAndRecord(t *testing.T) {
	s, ledger := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	var fired atomic.Int64
	handler := func(ctx context.Context, exec Execution) error {
		assert.Equal(t, "report", exec.Job.Name)
		assert.NotEmpty(t, exec.ID)
		assert.Equal(t, now, exec.ScheduledFireTime)
		fired.Add(1)
		return nil
	}

	require.NoError(t, s.Schedule(JobDefinition{Name: "report", Group: "test"}, minutelyTrigger(now, ""), handler))

	s.evaluate(now)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusCompleted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Nothing more is due yet.
	s.evaluate(now.Add(30 * time.Second))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), fired.Load())

	st, err := s.JobStatus(JobKey{Name: "report", Group: "test"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), st.NextFireTime)
}

func TestOverlapVeto(t *testing.T) {
	s, ledger := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	block := make(chan struct{})
	started := make(chan struct{}, 4)
	handler := func(ctx context.Context, exec Execution) error {
		started <- struct{}{}
		<-block
		return nil
	}

	trig := minutelyTrigger(now, "")
	trig.RepeatInterval = time.Second
	require.NoError(t, s.Schedule(JobDefinition{Name: "slow", Group: "test"}, trig, handler))

	s.evaluate(now)
	<-started

	// Next occurrence comes due while the first execution still runs.
	s.evaluate(now.Add(time.Second))
	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusVetoed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(block)
	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusCompleted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Exactly one execution ran, exactly one fire was vetoed.
	page, err := ledger.List(history.Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, int64(1), s.Status().VetoedTotal)
}

func TestSmartMisfireSingleMissFiresOnce(t *testing.T) {
	s, ledger := newTestScheduler(t)

	// Scheduled before 02:00, evaluated 10 minutes late.
	now := time.Date(2026, 1, 5, 1, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Schedule(
		JobDefinition{Name: "cleanup", Group: "test"},
		&TriggerDefinition{
			Name:           "nightly",
			Group:          "test",
			Type:           TriggerTypeCron,
			CronExpression: "0 0 2 * * ?",
			Misfire:        MisfireSmartPolicy,
		},
		noopHandler,
	))

	late := time.Date(2026, 1, 5, 2, 10, 0, 0, time.UTC)
	s.evaluate(late)

	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusCompleted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Cadence resumes at the next regular occurrence.
	st, err := s.JobStatus(JobKey{Name: "cleanup", Group: "test"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 6, 2, 0, 0, 0, time.UTC), st.NextFireTime)
	assert.Equal(t, int64(1), s.Status().MisfiredTotal)
}

func TestSmartMisfireMultipleMissesSkips(t *testing.T) {
	s, ledger := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Schedule(JobDefinition{Name: "tick", Group: "test"},
		minutelyTrigger(now, MisfireSmartPolicy), noopHandler))

	// Ten occurrences missed: skip them all.
	late := now.Add(10 * time.Minute)
	s.evaluate(late)
	time.Sleep(20 * time.Millisecond)

	page, err := ledger.List(history.Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	st, err := s.JobStatus(JobKey{Name: "tick", Group: "test"})
	require.NoError(t, err)
	assert.True(t, st.NextFireTime.After(late))
}

func TestFireNowMisfireFiresExactlyOnce(t *testing.T) {
	s, ledger := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Schedule(JobDefinition{Name: "tick", Group: "test"},
		minutelyTrigger(now, MisfireFireNow), noopHandler))

	late := now.Add(10 * time.Minute)
	s.evaluate(late)

	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusCompleted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	st, err := s.JobStatus(JobKey{Name: "tick", Group: "test"})
	require.NoError(t, err)
	assert.True(t, st.NextFireTime.After(late))
}

func TestDoNothingMisfireSkipsAll(t *testing.T) {
	s, ledger := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Schedule(JobDefinition{Name: "tick", Group: "test"},
		minutelyTrigger(now, MisfireDoNothing), noopHandler))

	late := now.Add(10 * time.Minute)
	s.evaluate(late)
	time.Sleep(20 * time.Millisecond)

	page, err := ledger.List(history.Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	st, err := s.JobStatus(JobKey{Name: "tick", Group: "test"})
	require.NoError(t, err)
	assert.True(t, st.NextFireTime.After(late))
}

func TestIgnoreMisfireReplaysEachOccurrence(t *testing.T) {
	s, ledger := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Schedule(JobDefinition{Name: "tick", Group: "test"},
		minutelyTrigger(now, MisfireIgnorePolicy), noopHandler))

	// Occurrences at +0m, +1m, +2m were all missed; +3m is within the
	// misfire threshold. Each evaluation replays one missed occurrence
	// once the previous execution has finished.
	late := now.Add(3*time.Minute + 30*time.Second)
	for want := 1; want <= 4; want++ {
		s.evaluate(late)
		require.Eventually(t, func() bool {
			return countByStatus(t, ledger, history.StatusCompleted) == want
		}, 2*time.Second, 5*time.Millisecond, "expected %d completions", want)
	}

	st, err := s.JobStatus(JobKey{Name: "tick", Group: "test"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(4*time.Minute), st.NextFireTime)
}

func TestPauseAndResume(t *testing.T) {
	s, ledger := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	key := JobKey{Name: "tick", Group: "test"}
	require.NoError(t, s.Schedule(JobDefinition{Name: "tick", Group: "test"},
		minutelyTrigger(now, ""), noopHandler))

	require.NoError(t, s.Pause(key))
	st, err := s.JobStatus(key)
	require.NoError(t, err)
	assert.Equal(t, JobStatePaused, st.State)

	s.evaluate(now)
	time.Sleep(20 * time.Millisecond)
	page, err := ledger.List(history.Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total, "paused job must not fire")

	require.NoError(t, s.Resume(key))
	s.evaluate(now)
	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusCompleted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Pause(JobKey{Name: "ghost", Group: "test"}), ErrJobNotFound)
}

func TestHandlerFailureAndPanicAbsorbed(t *testing.T) {
	s, ledger := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Schedule(JobDefinition{Name: "failing", Group: "test"},
		minutelyTrigger(now, ""),
		func(ctx context.Context, exec Execution) error {
			return errors.New("disk full")
		}))
	require.NoError(t, s.Schedule(JobDefinition{Name: "panicking", Group: "test"},
		minutelyTrigger(now, ""),
		func(ctx context.Context, exec Execution) error {
			panic("boom")
		}))

	s.evaluate(now)
	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusFailed) == 2
	}, 2*time.Second, 5*time.Millisecond)

	page, err := ledger.List(history.Filter{JobName: "failing"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "disk full", page.Entries[0].ErrorMessage)

	page, err = ledger.List(history.Filter{JobName: "panicking"}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Contains(t, page.Entries[0].ErrorMessage, "job panicked")

	// The scheduler keeps running and fires both again next minute.
	s.evaluate(now.Add(time.Minute))
	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusFailed) == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerNowMergesData(t *testing.T) {
	s, ledger := newTestScheduler(t)

	gotData := make(chan map[string]interface{}, 1)
	require.NoError(t, s.Schedule(
		JobDefinition{Name: "export", Group: "test", Durable: true, Data: map[string]interface{}{"format": "csv", "limit": 10}},
		nil,
		func(ctx context.Context, exec Execution) error {
			gotData <- exec.Data
			return nil
		}))

	key := JobKey{Name: "export", Group: "test"}
	require.NoError(t, s.TriggerNow(key, map[string]interface{}{"limit": 50}))

	select {
	case data := <-gotData:
		assert.Equal(t, "csv", data["format"])
		assert.Equal(t, 50, data["limit"], "call-site data overrides job data")
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}

	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusCompleted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.TriggerNow(JobKey{Name: "ghost", Group: "test"}, nil), ErrJobNotFound)
}

func TestInterruptCancelsExecution(t *testing.T) {
	s, ledger := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	started := make(chan struct{})
	require.NoError(t, s.Schedule(JobDefinition{Name: "longrun", Group: "test"},
		minutelyTrigger(now, ""),
		func(ctx context.Context, exec Execution) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}))

	s.evaluate(now)
	<-started

	key := JobKey{Name: "longrun", Group: "test"}
	require.NoError(t, s.Interrupt(key, "operator request"))

	require.Eventually(t, func() bool {
		return countByStatus(t, ledger, history.StatusFailed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	page, err := ledger.List(history.Filter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "interrupted: operator request", page.Entries[0].ErrorMessage)
}

func TestUnscheduleAndOwnership(t *testing.T) {
	s, _ := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for _, name := range []string{"a", "b"} {
		trig := minutelyTrigger(now, "")
		trig.Name = name
		require.NoError(t, s.Schedule(JobDefinition{Name: name, Group: "plugin-x"}, trig, noopHandler))
	}
	trig := minutelyTrigger(now, "")
	trig.Name = "c"
	require.NoError(t, s.Schedule(JobDefinition{Name: "c", Group: "plugin-y"}, trig, noopHandler))

	require.NoError(t, s.Unschedule(JobKey{Name: "a", Group: "plugin-x"}))
	assert.ErrorIs(t, s.Unschedule(JobKey{Name: "a", Group: "plugin-x"}), ErrJobNotFound)

	assert.Equal(t, 1, s.UnscheduleOwnedBy("plugin-x"))
	assert.Equal(t, 1, s.Status().JobCount)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobKey{Name: "c", Group: "plugin-y"}, jobs[0].Key)
}

func TestReschedule(t *testing.T) {
	s, _ := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	key := JobKey{Name: "tick", Group: "test"}
	require.NoError(t, s.Schedule(JobDefinition{Name: "tick", Group: "test"},
		minutelyTrigger(now, ""), noopHandler))

	require.NoError(t, s.Reschedule(key, TriggerDefinition{
		Name:           "hourly",
		Group:          "test",
		Type:           TriggerTypeSimple,
		RepeatCount:    RepeatForever,
		RepeatInterval: time.Hour,
		StartTime:      now.Add(time.Hour),
	}))

	st, err := s.JobStatus(key)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), st.NextFireTime)

	assert.ErrorIs(t, s.Reschedule(JobKey{Name: "ghost", Group: "test"}, *minutelyTrigger(now, "")),
		ErrJobNotFound)
}

func TestPriorityOrderingAmongSimultaneousFires(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	// Single worker forces sequential execution in dispatch order.
	order := make(chan string, 2)
	handler := func(ctx context.Context, exec Execution) error {
		order <- exec.Job.Name
		return nil
	}

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.TickInterval = time.Hour
	one := New(cfg, history.NewMemoryStore(), observability.NewLogger(observability.ErrorLevel, io.Discard), nil)
	one.now = func() time.Time { return now }
	require.NoError(t, one.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = one.Stop(ctx)
	})

	low := minutelyTrigger(now, "")
	low.Priority = 1
	high := minutelyTrigger(now, "")
	high.Priority = 10
	require.NoError(t, one.Schedule(JobDefinition{Name: "low", Group: "test"}, low, handler))
	require.NoError(t, one.Schedule(JobDefinition{Name: "high", Group: "test"}, high, handler))

	one.evaluate(now)

	first := <-order
	second := <-order
	assert.Equal(t, "high", first)
	assert.Equal(t, "low", second)
}

func TestStatusCounters(t *testing.T) {
	s, _ := newTestScheduler(t)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Schedule(JobDefinition{Name: "tick", Group: "test"},
		minutelyTrigger(now, ""), noopHandler))
	require.NoError(t, s.Schedule(JobDefinition{Name: "idle", Group: "test", Durable: true}, nil, noopHandler))
	require.NoError(t, s.Pause(JobKey{Name: "idle", Group: "test"}))

	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.JobCount)
	assert.Equal(t, 1, st.PausedCount)
	assert.Equal(t, DefaultConfig().Workers, st.Workers)
}
