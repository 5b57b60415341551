package scheduler

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
)

// cronParser accepts both 5-field and 6-field (leading seconds)
// expressions, plus descriptors like @daily. Quartz-style "?" is
// accepted in the day fields.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// scheduleCache memoizes parsed cron schedules keyed by expression and
// time zone. Parsing is cheap but schedule evaluation happens on every
// loop tick, so hot expressions stay resident.
type scheduleCache struct {
	cache *lru.Cache[string, cron.Schedule]
}

func newScheduleCache(size int) *scheduleCache {
	c, _ := lru.New[string, cron.Schedule](size)
	return &scheduleCache{cache: c}
}

func (c *scheduleCache) get(expr string, loc *time.Location) (cron.Schedule, error) {
	key := expr + "\n" + loc.String()
	if sched, ok := c.cache.Get(key); ok {
		return sched, nil
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	// Bind the schedule to its zone so Next computations are stable no
	// matter what zone the input instant carries.
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	c.cache.Add(key, sched)
	return sched, nil
}

// trigger is the runtime state of one trigger definition.
type trigger struct {
	def      TriggerDefinition
	schedule cron.Schedule // nil for SIMPLE triggers
	loc      *time.Location

	// next is the next regular fire time, zero once exhausted.
	next time.Time
	// consumed counts SIMPLE occurrences already fired or skipped.
	consumed int
}

// validateTrigger checks a definition and resolves its cron schedule.
func (c *scheduleCache) validateTrigger(def TriggerDefinition) (*trigger, error) {
	if !def.StartTime.IsZero() && !def.EndTime.IsZero() && !def.StartTime.Before(def.EndTime) {
		return nil, invalidTrigger("startTime %s must precede endTime %s", def.StartTime, def.EndTime)
	}

	switch def.Misfire {
	case "", MisfireSmartPolicy, MisfireIgnorePolicy, MisfireFireNow, MisfireDoNothing:
	default:
		return nil, invalidTrigger("unknown misfire instruction %q", def.Misfire)
	}
	if def.Misfire == "" {
		def.Misfire = MisfireSmartPolicy
	}

	t := &trigger{def: def, loc: time.UTC}

	switch def.Type {
	case TriggerTypeCron:
		if def.CronExpression == "" {
			return nil, invalidTrigger("cron trigger requires an expression")
		}
		if def.TimeZone != "" {
			loc, err := time.LoadLocation(def.TimeZone)
			if err != nil {
				return nil, invalidTrigger("unknown time zone %q", def.TimeZone)
			}
			t.loc = loc
		}
		sched, err := c.get(def.CronExpression, t.loc)
		if err != nil {
			return nil, invalidTrigger("bad cron expression %q: %v", def.CronExpression, err)
		}
		t.schedule = sched

	case TriggerTypeSimple:
		if def.RepeatCount < RepeatForever {
			return nil, invalidTrigger("repeatCount must be >= -1, got %d", def.RepeatCount)
		}
		if def.RepeatCount != 0 && def.RepeatInterval <= 0 {
			return nil, invalidTrigger("repeating trigger requires a positive interval")
		}

	default:
		return nil, invalidTrigger("unknown trigger type %q", def.Type)
	}

	return t, nil
}

// init computes the first fire time at or after now.
func (t *trigger) init(now time.Time) {
	start := now
	if !t.def.StartTime.IsZero() && t.def.StartTime.After(start) {
		start = t.def.StartTime
	}

	if t.schedule != nil {
		// cron.Schedule.Next is strictly-after; back off a nanosecond so
		// a start time landing exactly on an occurrence is included.
		t.next = t.clampEnd(t.schedule.Next(start.Add(-time.Nanosecond)))
		return
	}

	// SIMPLE triggers fire the first occurrence at the window start.
	t.next = t.clampEnd(start)
}

// advance moves to the next regular occurrence after the one just
// consumed. For SIMPLE triggers the occurrence count is bounded by
// RepeatCount.
func (t *trigger) advance() {
	if t.next.IsZero() {
		return
	}

	if t.schedule != nil {
		t.next = t.clampEnd(t.schedule.Next(t.next))
		return
	}

	t.consumed++
	if t.def.RepeatCount != RepeatForever && t.consumed > t.def.RepeatCount {
		t.next = time.Time{}
		return
	}
	t.next = t.clampEnd(t.next.Add(t.def.RepeatInterval))
}

// skipPast discards occurrences until the next regular fire time is
// strictly after the given instant. Returns how many were discarded.
func (t *trigger) skipPast(now time.Time) int {
	skipped := 0
	for !t.next.IsZero() && !t.next.After(now) {
		t.advance()
		skipped++
	}
	return skipped
}

// missedBy counts regular occurrences that fall at or before now,
// without consuming them. Counting stops at the given limit.
func (t *trigger) missedBy(now time.Time, limit int) int {
	if t.next.IsZero() || t.next.After(now) {
		return 0
	}
	if t.schedule != nil {
		count := 0
		cur := t.next
		for !cur.IsZero() && !cur.After(now) && count < limit {
			count++
			cur = t.clampEnd(t.schedule.Next(cur))
		}
		return count
	}

	count := 0
	cur := t.next
	consumed := t.consumed
	for !cur.IsZero() && !cur.After(now) && count < limit {
		count++
		consumed++
		if t.def.RepeatCount != RepeatForever && consumed > t.def.RepeatCount {
			break
		}
		cur = t.clampEnd(cur.Add(t.def.RepeatInterval))
	}
	return count
}

func (t *trigger) clampEnd(next time.Time) time.Time {
	if next.IsZero() {
		return next
	}
	if !t.def.EndTime.IsZero() && next.After(t.def.EndTime) {
		return time.Time{}
	}
	return next
}

// exhausted reports whether the trigger has no future occurrence.
func (t *trigger) exhausted() bool {
	return t.next.IsZero()
}

func (t *trigger) describe() string {
	if t.def.Type == TriggerTypeCron {
		return "cron(" + t.def.CronExpression + ")"
	}
	return "simple(" + t.def.RepeatInterval.String() + ")"
}
