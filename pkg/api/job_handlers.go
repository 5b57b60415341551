package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hearthhq/hearth/pkg/httputil"
	"github.com/hearthhq/hearth/pkg/scheduler"
)

// triggerRequest is the wire form of a trigger definition. Repeat
// intervals come in as Go duration strings ("30s", "5m").
type triggerRequest struct {
	Name           string    `json:"name"`
	Group          string    `json:"group"`
	Type           string    `json:"type"`
	CronExpression string    `json:"cron_expression,omitempty"`
	TimeZone       string    `json:"time_zone,omitempty"`
	RepeatCount    int       `json:"repeat_count,omitempty"`
	RepeatInterval string    `json:"repeat_interval,omitempty"`
	StartTime      time.Time `json:"start_time,omitempty"`
	EndTime        time.Time `json:"end_time,omitempty"`
	Priority       int       `json:"priority,omitempty"`
	Misfire        string    `json:"misfire,omitempty"`
}

func (req triggerRequest) definition() (scheduler.TriggerDefinition, error) {
	def := scheduler.TriggerDefinition{
		Name:           req.Name,
		Group:          req.Group,
		Type:           scheduler.TriggerType(req.Type),
		CronExpression: req.CronExpression,
		TimeZone:       req.TimeZone,
		RepeatCount:    req.RepeatCount,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Priority:       req.Priority,
		Misfire:        scheduler.MisfireInstruction(req.Misfire),
	}
	if req.RepeatInterval != "" {
		interval, err := time.ParseDuration(req.RepeatInterval)
		if err != nil {
			return def, fmt.Errorf("invalid repeat_interval %q: %w", req.RepeatInterval, err)
		}
		def.RepeatInterval = interval
	}
	return def, nil
}

type scheduleJobRequest struct {
	Job     scheduler.JobDefinition `json:"job"`
	Trigger *triggerRequest         `json:"trigger,omitempty"`
}

func (s *Server) scheduleJob(w http.ResponseWriter, r *http.Request) {
	var req scheduleJobRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	var trigDef *scheduler.TriggerDefinition
	if req.Trigger != nil {
		def, err := req.Trigger.definition()
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		trigDef = &def
	}

	// Jobs created over the API carry no code of their own. Executions
	// are recorded in the ledger so external systems can observe the
	// cadence and react.
	key := req.Job.Key()
	handler := func(ctx context.Context, exec scheduler.Execution) error {
		s.log.WithJob(key.Group, key.Name).Debugf("Declared job fired, execution %s", exec.ID)
		return nil
	}

	if err := s.sched.Schedule(req.Job, trigDef, handler); err != nil {
		s.writeSchedulerError(w, err)
		return
	}

	status, err := s.sched.JobStatus(key)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	httputil.WriteCreated(w, status)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"jobs": s.sched.Jobs(),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	key, ok := s.jobKey(w, r)
	if !ok {
		return
	}
	status, err := s.sched.JobStatus(key)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

func (s *Server) unscheduleJob(w http.ResponseWriter, r *http.Request) {
	key, ok := s.jobKey(w, r)
	if !ok {
		return
	}
	if err := s.sched.Unschedule(key); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobStateChange(w, r, s.sched.Pause)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobStateChange(w, r, s.sched.Resume)
}

func (s *Server) jobStateChange(w http.ResponseWriter, r *http.Request, op func(scheduler.JobKey) error) {
	key, ok := s.jobKey(w, r)
	if !ok {
		return
	}
	if err := op(key); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	status, err := s.sched.JobStatus(key)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	key, ok := s.jobKey(w, r)
	if !ok {
		return
	}

	var req struct {
		Data map[string]interface{} `json:"data,omitempty"`
	}
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	if err := s.sched.TriggerNow(key, req.Data); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job":    key.String(),
		"status": "triggered",
	})
}

func (s *Server) interruptJob(w http.ResponseWriter, r *http.Request) {
	key, ok := s.jobKey(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	if err := s.sched.Interrupt(key, req.Reason); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job":    key.String(),
		"status": "interrupt requested",
	})
}

func (s *Server) rescheduleJob(w http.ResponseWriter, r *http.Request) {
	key, ok := s.jobKey(w, r)
	if !ok {
		return
	}

	var req triggerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	def, err := req.definition()
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := s.sched.Reschedule(key, def); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	status, err := s.sched.JobStatus(key)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.sched.Status())
}

func (s *Server) jobKey(w http.ResponseWriter, r *http.Request) (scheduler.JobKey, bool) {
	group, ok := httputil.ParsePathStringOrError(w, r, "group")
	if !ok {
		return scheduler.JobKey{}, false
	}
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return scheduler.JobKey{}, false
	}
	return scheduler.JobKey{Name: name, Group: group}, true
}

func (s *Server) writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, scheduler.ErrDuplicateJobKey):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, scheduler.ErrInvalidTriggerSpec):
		httputil.WriteBadRequest(w, err.Error())
	default:
		s.log.Errorf("Scheduler operation failed: %v", err)
		httputil.WriteInternalError(w, err)
	}
}
