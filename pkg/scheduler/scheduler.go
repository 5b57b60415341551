package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hearthhq/hearth/pkg/history"
	"github.com/hearthhq/hearth/pkg/observability"
)

// Config tunes the scheduler.
type Config struct {
	// Workers is the size of the execution pool.
	Workers int

	// MisfireThreshold is how far past its scheduled time a fire may run
	// before it counts as a misfire.
	MisfireThreshold time.Duration

	// TickInterval is how often the evaluation loop wakes up.
	TickInterval time.Duration

	// ScheduleCacheSize bounds the parsed cron schedule cache.
	ScheduleCacheSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		MisfireThreshold:  time.Minute,
		TickInterval:      500 * time.Millisecond,
		ScheduleCacheSize: 128,
	}
}

// job is the scheduler's internal record of one scheduled job.
type job struct {
	def     JobDefinition
	handler Handler
	trig    *trigger // nil for durable jobs without a trigger

	paused          bool
	firing          bool
	cancelExecution context.CancelFunc
	interruptReason string
}

func (j *job) state() JobState {
	switch {
	case j.firing:
		return JobStateFiring
	case j.paused:
		return JobStatePaused
	default:
		return JobStateScheduled
	}
}

// Scheduler evaluates due triggers on a single loop and dispatches job
// bodies to a bounded worker pool.
type Scheduler struct {
	cfg     Config
	log     *observability.Logger
	metrics *observability.Metrics
	ledger  history.Store
	cache   *scheduleCache
	tracer  trace.Tracer

	// now is a seam for tests.
	now func() time.Time

	mu      sync.Mutex
	jobs    map[JobKey]*job
	running bool
	stopCh  chan struct{}
	stopped chan struct{}
	pool    *workerPool

	executedTotal int64
	vetoedTotal   int64
	misfiredTotal int64
}

// New creates a scheduler. The ledger is required; metrics may be nil.
func New(cfg Config, ledger history.Store, log *observability.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MisfireThreshold <= 0 {
		cfg.MisfireThreshold = DefaultConfig().MisfireThreshold
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.ScheduleCacheSize <= 0 {
		cfg.ScheduleCacheSize = DefaultConfig().ScheduleCacheSize
	}

	return &Scheduler{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		ledger:  ledger,
		cache:   newScheduleCache(cfg.ScheduleCacheSize),
		tracer:  otel.Tracer("hearth/scheduler"),
		now:     time.Now,
		jobs:    make(map[JobKey]*job),
	}
}

// Start heals ledger entries orphaned by a previous process, then starts
// the worker pool and the evaluation loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.pool = newWorkerPool(ctx, s.cfg.Workers, s.log)
	s.mu.Unlock()

	if healed, err := s.ledger.FinalizeStale(s.now(), "process terminated while execution was running"); err != nil {
		s.log.WithError(err).Warn("Failed to finalize stale history entries")
	} else if healed > 0 {
		s.log.Infof("Finalized %d stale history entries from a previous run", healed)
	}

	go s.loop()
	s.log.Infof("Scheduler started with %d workers, tick %s, misfire threshold %s",
		s.cfg.Workers, s.cfg.TickInterval, s.cfg.MisfireThreshold)
	return nil
}

// Stop halts dispatch and drains the pool. In-flight executions finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	pool := s.pool
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := pool.shutdown(timeout); err != nil {
		return err
	}
	s.log.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evaluate(s.now())
		}
	}
}

// Schedule registers a job with an optional trigger. A nil trigger is
// only legal for durable jobs.
func (s *Scheduler) Schedule(def JobDefinition, trigDef *TriggerDefinition, handler Handler) error {
	if def.Name == "" || def.Group == "" {
		return invalidTrigger("job name and group are required")
	}
	if handler == nil {
		return invalidTrigger("job %s has no handler", def.Key())
	}
	if trigDef == nil && !def.Durable {
		return invalidTrigger("non-durable job %s requires a trigger", def.Key())
	}

	var trig *trigger
	if trigDef != nil {
		var err error
		trig, err = s.cache.validateTrigger(*trigDef)
		if err != nil {
			return err
		}
		trig.init(s.now())
		if trig.exhausted() && !def.Durable {
			return invalidTrigger("trigger %s.%s has no future fire time", trigDef.Group, trigDef.Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := def.Key()
	if _, exists := s.jobs[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJobKey, key)
	}
	s.jobs[key] = &job{def: def, handler: handler, trig: trig}
	if s.metrics != nil {
		s.metrics.JobsScheduled.Set(float64(len(s.jobs)))
	}

	log := s.log.WithJob(key.Group, key.Name)
	if trig != nil {
		log.Infof("Scheduled job with trigger %s, next fire %s", trig.describe(), trig.next)
	} else {
		log.Info("Stored durable job without trigger")
	}
	return nil
}

// Reschedule replaces a job's trigger in place, keeping the definition
// and handler.
func (s *Scheduler) Reschedule(key JobKey, trigDef TriggerDefinition) error {
	trig, err := s.cache.validateTrigger(trigDef)
	if err != nil {
		return err
	}
	trig.init(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	j.trig = trig
	s.log.WithJob(key.Group, key.Name).Infof("Rescheduled job, next fire %s", trig.next)
	return nil
}

// Pause makes a job ineligible for dispatch without losing its trigger.
func (s *Scheduler) Pause(key JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	j.paused = true
	s.log.WithJob(key.Group, key.Name).Info("Paused job")
	return nil
}

// Resume re-enables a paused job. Occurrences that came due while paused
// are handled by the job's misfire instruction on the next tick.
func (s *Scheduler) Resume(key JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	j.paused = false
	s.log.WithJob(key.Group, key.Name).Info("Resumed job")
	return nil
}

// Unschedule removes a job and its trigger. An in-flight execution is
// allowed to finish.
func (s *Scheduler) Unschedule(key JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	delete(s.jobs, key)
	if s.metrics != nil {
		s.metrics.JobsScheduled.Set(float64(len(s.jobs)))
	}
	s.log.WithJob(key.Group, key.Name).Info("Unscheduled job")
	return nil
}

// UnscheduleOwnedBy removes every job in the given group. Used by the
// plugin registry during plugin teardown, where the group is the plugin
// key.
func (s *Scheduler) UnscheduleOwnedBy(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.jobs {
		if key.Group == group {
			delete(s.jobs, key)
			removed++
		}
	}
	if removed > 0 && s.metrics != nil {
		s.metrics.JobsScheduled.Set(float64(len(s.jobs)))
	}
	return removed
}

// TriggerNow fires a job immediately, outside its regular cadence. The
// overlap policy still applies. Extra data is merged over the job's own
// data for this execution only.
func (s *Scheduler) TriggerNow(key JobKey, data map[string]interface{}) error {
	now := s.now()

	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	veto := j.firing
	if !veto {
		j.firing = true
	}
	s.mu.Unlock()

	if veto {
		s.recordVeto(key, now)
		return nil
	}

	merged := make(map[string]interface{}, len(j.def.Data)+len(data))
	for k, v := range j.def.Data {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	s.submitExecution(j, Execution{
		ID:                uuid.NewString(),
		Job:               key,
		ScheduledFireTime: now,
		FireTime:          now,
		Data:              merged,
	})
	return nil
}

// Interrupt requests cancellation of a job's in-flight execution.
// Best-effort: the job body decides whether to honor its context.
func (s *Scheduler) Interrupt(key JobKey, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	if !j.firing || j.cancelExecution == nil {
		return nil
	}
	j.interruptReason = reason
	j.cancelExecution()
	s.log.WithJob(key.Group, key.Name).Infof("Requested interruption: %s", reason)
	return nil
}

// JobStatus returns the state of one job.
func (s *Scheduler) JobStatus(key JobKey) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	return s.statusLocked(key, j), nil
}

// Jobs returns the state of every known job, ordered by key.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for key, j := range s.jobs {
		out = append(out, s.statusLocked(key, j))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Key.String() < out[k].Key.String()
	})
	return out
}

func (s *Scheduler) statusLocked(key JobKey, j *job) JobStatus {
	st := JobStatus{
		Key:     key,
		State:   j.state(),
		Durable: j.def.Durable,
	}
	if j.trig != nil {
		st.NextFireTime = j.trig.next
		st.Trigger = j.trig.describe()
	}
	return st
}

// Status summarizes the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:       s.running,
		JobCount:      len(s.jobs),
		Workers:       s.cfg.Workers,
		ExecutedTotal: atomic.LoadInt64(&s.executedTotal),
		VetoedTotal:   atomic.LoadInt64(&s.vetoedTotal),
		MisfiredTotal: atomic.LoadInt64(&s.misfiredTotal),
	}
	for _, j := range s.jobs {
		switch {
		case j.firing:
			st.FiringCount++
		case j.paused:
			st.PausedCount++
		}
	}
	return st
}

// pendingFire is one fire decision produced by an evaluation pass.
type pendingFire struct {
	j         *job
	key       JobKey
	scheduled time.Time
	priority  int
	veto      bool
}

// evaluate advances trigger state and dispatches everything due at now.
// Runs on the loop goroutine; tests call it directly with a synthetic
// clock.
func (s *Scheduler) evaluate(now time.Time) {
	s.mu.Lock()

	var fires []pendingFire
	for key, j := range s.jobs {
		if j.paused || j.trig == nil || j.trig.exhausted() {
			continue
		}

		for !j.trig.exhausted() && !j.trig.next.After(now) {
			scheduled := j.trig.next
			delay := now.Sub(scheduled)

			if delay <= s.cfg.MisfireThreshold {
				fires = append(fires, pendingFire{j: j, key: key, scheduled: scheduled, priority: j.trig.def.Priority})
				j.trig.advance()
				continue
			}

			// Misfire handling. Each branch settles the trigger for this
			// pass and leaves the loop.
			atomic.AddInt64(&s.misfiredTotal, 1)
			if s.metrics != nil {
				s.metrics.JobMisfiresTotal.WithLabelValues(string(j.trig.def.Misfire)).Inc()
			}

			switch j.trig.def.Misfire {
			case MisfireIgnorePolicy:
				// Re-fire missed occurrences one at a time as capacity
				// allows; while an execution runs, the occurrence waits
				// instead of being vetoed away.
				if !j.firing {
					fires = append(fires, pendingFire{j: j, key: key, scheduled: scheduled, priority: j.trig.def.Priority})
					j.trig.advance()
				}

			case MisfireFireNow:
				fires = append(fires, pendingFire{j: j, key: key, scheduled: scheduled, priority: j.trig.def.Priority})
				j.trig.skipPast(now)

			case MisfireDoNothing:
				j.trig.skipPast(now)

			default: // MisfireSmartPolicy
				if j.trig.missedBy(now, 2) == 1 {
					fires = append(fires, pendingFire{j: j, key: key, scheduled: scheduled, priority: j.trig.def.Priority})
				}
				j.trig.skipPast(now)
			}
			break
		}
	}

	// Fire-time order, higher priority first among ties.
	sort.SliceStable(fires, func(i, k int) bool {
		if !fires[i].scheduled.Equal(fires[k].scheduled) {
			return fires[i].scheduled.Before(fires[k].scheduled)
		}
		return fires[i].priority > fires[k].priority
	})

	// Apply the overlap policy while still holding the lock, then
	// dispatch outside it.
	for i := range fires {
		if fires[i].j.firing {
			fires[i].veto = true
			continue
		}
		fires[i].j.firing = true
	}
	s.mu.Unlock()

	for _, f := range fires {
		if f.veto {
			s.recordVeto(f.key, now)
			continue
		}
		s.submitExecution(f.j, Execution{
			ID:                uuid.NewString(),
			Job:               f.key,
			ScheduledFireTime: f.scheduled,
			FireTime:          now,
			Data:              f.j.def.Data,
		})
	}
}

// recordVeto writes a VETOED entry for a dropped fire event.
func (s *Scheduler) recordVeto(key JobKey, at time.Time) {
	atomic.AddInt64(&s.vetoedTotal, 1)
	if s.metrics != nil {
		s.metrics.JobVetoesTotal.WithLabelValues(key.Group, key.Name).Inc()
	}
	s.log.WithJob(key.Group, key.Name).Warn("Fire event vetoed: prior execution still running")

	id, err := s.ledger.RecordStart(key.Name, key.Group, at)
	if err != nil {
		s.log.WithError(err).Warn("Failed to record vetoed fire")
		return
	}
	if err := s.ledger.RecordCompletion(id, at, 0, history.StatusVetoed, "prior execution still running"); err != nil {
		s.log.WithError(err).Warn("Failed to finalize vetoed fire")
	}
}

// submitExecution hands one fire event to the pool. The job is already
// marked firing; the flag is cleared when the body finishes.
func (s *Scheduler) submitExecution(j *job, exec Execution) {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		s.mu.Lock()
		j.firing = false
		s.mu.Unlock()
		s.log.WithJob(exec.Job.Group, exec.Job.Name).Warn("Dropped fire event: scheduler not started")
		return
	}

	err := pool.submit(func(poolCtx context.Context) {
		s.runExecution(poolCtx, j, exec)
	})
	if err != nil {
		s.mu.Lock()
		j.firing = false
		s.mu.Unlock()
		s.log.WithError(err).WithJob(exec.Job.Group, exec.Job.Name).Warn("Dropped fire event: pool unavailable")
	}
}

func (s *Scheduler) runExecution(poolCtx context.Context, j *job, exec Execution) {
	ctx, cancel := context.WithCancel(poolCtx)
	defer cancel()

	s.mu.Lock()
	j.cancelExecution = cancel
	j.interruptReason = ""
	s.mu.Unlock()

	started := s.now()
	historyID, err := s.ledger.RecordStart(exec.Job.Name, exec.Job.Group, started)
	if err != nil {
		s.log.WithError(err).WithJob(exec.Job.Group, exec.Job.Name).Warn("Failed to record execution start")
	}

	ctx = observability.WithExecutionID(ctx, exec.ID)
	ctx, span := s.tracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.name", exec.Job.Name),
			attribute.String("job.group", exec.Job.Group),
			attribute.String("execution.id", exec.ID),
		))

	jobErr := s.invokeHandler(ctx, j, exec)

	completed := s.now()
	duration := completed.Sub(started)
	atomic.AddInt64(&s.executedTotal, 1)

	status := history.StatusCompleted
	message := ""
	if jobErr != nil {
		status = history.StatusFailed
		message = jobErr.Error()

		s.mu.Lock()
		reason := j.interruptReason
		s.mu.Unlock()
		if reason != "" && errors.Is(jobErr, context.Canceled) {
			message = "interrupted: " + reason
		}

		span.RecordError(jobErr)
		span.SetStatus(codes.Error, message)
		s.log.WithError(jobErr).WithJob(exec.Job.Group, exec.Job.Name).Error("Job execution failed")
	} else {
		span.SetStatus(codes.Ok, "")
		s.log.WithJob(exec.Job.Group, exec.Job.Name).Debugf("Job completed in %s", duration)
	}
	span.End()

	if historyID != 0 {
		if err := s.ledger.RecordCompletion(historyID, completed, duration.Milliseconds(), status, message); err != nil {
			s.log.WithError(err).WithJob(exec.Job.Group, exec.Job.Name).Warn("Failed to record execution completion")
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveExecution(exec.Job.Group, exec.Job.Name, string(status), duration)
	}

	s.mu.Lock()
	j.firing = false
	j.cancelExecution = nil
	s.mu.Unlock()
}

// invokeHandler runs the job body with panic containment. Handlers are
// plugin-supplied code; nothing in the scheduler holds a lock across
// this call.
func (s *Scheduler) invokeHandler(ctx context.Context, j *job, exec Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.handler(ctx, exec)
}
