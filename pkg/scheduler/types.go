package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTriggerSpec is returned when a trigger definition fails
	// validation (bad cron syntax, inverted time window, bad repeat count).
	ErrInvalidTriggerSpec = errors.New("invalid trigger spec")

	// ErrDuplicateJobKey is returned when scheduling a job whose
	// (name, group) is already live.
	ErrDuplicateJobKey = errors.New("duplicate job key")

	// ErrJobNotFound is returned for operations on unknown job keys.
	ErrJobNotFound = errors.New("job not found")
)

// JobKey identifies a job uniquely while it is scheduled.
type JobKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func (k JobKey) String() string {
	return k.Group + "." + k.Name
}

// JobState is the scheduler-side state of a job.
type JobState string

const (
	JobStateScheduled JobState = "SCHEDULED"
	JobStateFiring    JobState = "FIRING"
	JobStatePaused    JobState = "PAUSED"
)

// JobDefinition describes a job independent of its triggers.
type JobDefinition struct {
	Name        string `json:"name"`
	Group       string `json:"group"`
	Description string `json:"description,omitempty"`

	// Durable jobs survive with no attached trigger.
	Durable bool `json:"durable"`

	// RequestsRecovery marks the job for re-fire when a previous process
	// terminated while it was running.
	RequestsRecovery bool `json:"requests_recovery"`

	// Data is an opaque map handed to every execution.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Key returns the job's composite key.
func (d JobDefinition) Key() JobKey {
	return JobKey{Name: d.Name, Group: d.Group}
}

// TriggerType discriminates trigger definitions.
type TriggerType string

const (
	TriggerTypeCron   TriggerType = "CRON"
	TriggerTypeSimple TriggerType = "SIMPLE"
)

// MisfireInstruction selects the catch-up behavior when a trigger's
// scheduled fire time has passed by more than the misfire threshold
// before the scheduler could act on it.
type MisfireInstruction string

const (
	// MisfireSmartPolicy fires once immediately when only a single
	// occurrence was missed, otherwise skips to the next regular time.
	MisfireSmartPolicy MisfireInstruction = "SMART_POLICY"

	// MisfireIgnorePolicy fires every missed occurrence once capacity is
	// available.
	MisfireIgnorePolicy MisfireInstruction = "IGNORE_MISFIRE_POLICY"

	// MisfireFireNow fires exactly once immediately regardless of how
	// many occurrences were missed.
	MisfireFireNow MisfireInstruction = "FIRE_NOW"

	// MisfireDoNothing discards missed occurrences and waits for the
	// next regular fire time.
	MisfireDoNothing MisfireInstruction = "DO_NOTHING"
)

// RepeatForever is the SIMPLE trigger repeat count meaning "no limit".
const RepeatForever = -1

// TriggerDefinition describes when a job fires.
type TriggerDefinition struct {
	Name  string      `json:"name"`
	Group string      `json:"group"`
	Type  TriggerType `json:"type"`

	// CRON fields.
	CronExpression string `json:"cron_expression,omitempty"`
	TimeZone       string `json:"time_zone,omitempty"`

	// SIMPLE fields. RepeatCount is the number of repeats after the
	// first fire; RepeatForever means unbounded.
	RepeatCount    int           `json:"repeat_count,omitempty"`
	RepeatInterval time.Duration `json:"repeat_interval,omitempty"`

	// Optional window. Zero values mean unbounded.
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`

	// Priority breaks ties among triggers due at the same instant;
	// higher fires first.
	Priority int `json:"priority,omitempty"`

	Misfire MisfireInstruction `json:"misfire,omitempty"`
}

// Execution is what a job handler receives for one fire event.
type Execution struct {
	ID                string
	Job               JobKey
	ScheduledFireTime time.Time
	FireTime          time.Time
	Data              map[string]interface{}
}

// Handler is a job body. Errors are absorbed by the scheduler and
// recorded as FAILED; they never propagate to the evaluation loop.
type Handler func(ctx context.Context, exec Execution) error

// JobStatus is the externally visible state of one scheduled job.
type JobStatus struct {
	Key          JobKey    `json:"key"`
	State        JobState  `json:"state"`
	Durable      bool      `json:"durable"`
	NextFireTime time.Time `json:"next_fire_time,omitempty"`
	Trigger      string    `json:"trigger,omitempty"`
}

// Status summarizes the scheduler.
type Status struct {
	Running        bool  `json:"running"`
	JobCount       int   `json:"job_count"`
	PausedCount    int   `json:"paused_count"`
	FiringCount    int   `json:"firing_count"`
	Workers        int   `json:"workers"`
	ExecutedTotal  int64 `json:"executed_total"`
	VetoedTotal    int64 `json:"vetoed_total"`
	MisfiredTotal  int64 `json:"misfired_total"`
}

func invalidTrigger(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidTriggerSpec, fmt.Sprintf(format, args...))
}
