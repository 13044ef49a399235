// Package scheduler stores timed and cron jobs in jobs.json and runs the
// dispatch loop that hands due jobs to a deliverer. The store itself is a
// passive data structure; all policy about what a job means lives in the
// deliverer.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/google/uuid"
)

// Payload types.
const (
	PayloadSupervisorCheck = "supervisor_check"
	PayloadContinuousTick  = "continuous_tick"
	PayloadDeliverable     = "deliverable"
)

// Common errors.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrInvalidCron = errors.New("invalid cron expression")
)

// ScheduledJob is one timed or recurring job. Cron jobs never complete; on
// each successful run run_at advances to the next occurrence.
type ScheduledJob struct {
	ID          string                 `json:"job_id"`
	Name        string                 `json:"name"`
	RunAt       time.Time              `json:"run_at"`
	Payload     map[string]interface{} `json:"payload"`
	CronExpr    string                 `json:"cron_expr,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Cancelled   bool                   `json:"cancelled"`
}

// Pending reports whether the job can still fire.
func (j *ScheduledJob) Pending() bool {
	return !j.Cancelled && j.CompletedAt == nil
}

// RunRecord is one line of the job-runs.jsonl run log.
type RunRecord struct {
	Timestamp time.Time `json:"ts"`
	JobID     string    `json:"job_id"`
	JobName   string    `json:"job_name"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
}

// Scheduler is the persistent job store.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*ScheduledJob
	path    string
	runPath string
	logger  *logger.Logger
}

type diskFormat struct {
	Jobs map[string]*ScheduledJob `json:"jobs"`
}

// New loads jobs.json (if present) and returns the scheduler.
func New(path, runPath string, log *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		jobs:    make(map[string]*ScheduledJob),
		path:    path,
		runPath: runPath,
		logger:  log.WithFields(zap.String("component", "scheduler")),
	}
	var doc diskFormat
	ok, err := fsutil.ReadJSON(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	if ok && doc.Jobs != nil {
		s.jobs = doc.Jobs
	}
	return s, nil
}

func (s *Scheduler) persistLocked() error {
	return fsutil.WriteJSONAtomic(s.path, diskFormat{Jobs: s.jobs})
}

// ValidateCron checks a standard 5-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return nil
}

// ValidatePayload returns the list of problems with a payload. Required
// fields depend on the payload type.
func ValidatePayload(payload map[string]interface{}) []string {
	var errs []string
	str := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}
	switch str("type") {
	case PayloadSupervisorCheck:
		if str("task_id") == "" {
			errs = append(errs, "supervisor_check payload requires task_id")
		}
	case PayloadContinuousTick:
		// no required fields
	case "":
		errs = append(errs, "payload requires a type")
	default:
		// deliverable: a prompt routed to a chat
		if str("prompt") == "" {
			errs = append(errs, "deliverable payload requires prompt")
		}
		if str("channel") == "" {
			errs = append(errs, "deliverable payload requires channel")
		}
		if str("target") == "" {
			errs = append(errs, "deliverable payload requires target")
		}
		if str("channel") == "teams" && str("service_url") == "" {
			errs = append(errs, "teams delivery requires service_url")
		}
	}
	return errs
}

// Schedule stores a new job. Cron jobs must carry a valid expression.
func (s *Scheduler) Schedule(name string, runAt time.Time, payload map[string]interface{}, cronExpr string) (*ScheduledJob, error) {
	if cronExpr != "" {
		if err := ValidateCron(cronExpr); err != nil {
			return nil, err
		}
	}
	if errs := ValidatePayload(payload); len(errs) > 0 {
		return nil, fmt.Errorf("invalid payload: %s", strings.Join(errs, "; "))
	}

	job := &ScheduledJob{
		ID:        uuid.New().String()[:8],
		Name:      name,
		RunAt:     runAt.UTC(),
		Payload:   payload,
		CronExpr:  cronExpr,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, job.ID)
		return nil, err
	}
	s.logger.Info("job scheduled",
		zap.String("job_id", job.ID),
		zap.String("name", name),
		zap.Time("run_at", job.RunAt),
		zap.String("cron", cronExpr))
	return job, nil
}

// Due returns pending jobs whose run_at has passed, oldest first. Both sides
// are compared in UTC so stored zone offsets cannot skew dispatch.
func (s *Scheduler) Due(now time.Time) []*ScheduledJob {
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ScheduledJob
	for _, j := range s.jobs {
		if j.Pending() && !j.RunAt.UTC().After(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.Before(out[k].RunAt) })
	return out
}

// Get returns a copy of one job.
func (s *Scheduler) Get(id string) (*ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	cp := *j
	return &cp, nil
}

// List returns all jobs, soonest first.
func (s *Scheduler) List() []*ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.Before(out[k].RunAt) })
	return out
}

// MarkCompleted finishes a one-shot job, or advances a cron job to the next
// occurrence strictly after its previous run_at.
func (s *Scheduler) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.CronExpr != "" {
		sched, err := cron.ParseStandard(j.CronExpr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
		j.RunAt = sched.Next(j.RunAt.UTC()).UTC()
	} else {
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	return s.persistLocked()
}

// Cancel sets the cancelled flag. Cancelling twice is fine.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.Cancelled {
		return nil
	}
	j.Cancelled = true
	return s.persistLocked()
}

// Reschedule moves a job's run_at.
func (s *Scheduler) Reschedule(id string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.RunAt = runAt.UTC()
	j.CompletedAt = nil
	return s.persistLocked()
}

// ClearAll removes every job.
func (s *Scheduler) ClearAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.jobs)
	s.jobs = make(map[string]*ScheduledJob)
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return n, nil
}

// CancelWhere cancels pending jobs matched by the predicate; used to drop a
// task's supervisor checks when the task finishes.
func (s *Scheduler) CancelWhere(match func(*ScheduledJob) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Pending() && match(j) {
			j.Cancelled = true
			n++
		}
	}
	if n > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("persist after cancel failed", zap.Error(err))
		}
	}
	return n
}

// LogRun appends a run record to job-runs.jsonl.
func (s *Scheduler) LogRun(jobID, jobName, status, detail string) error {
	return fsutil.AppendJSONL(s.runPath, RunRecord{
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		JobName:   jobName,
		Status:    status,
		Detail:    detail,
	})
}

// ListRuns returns the most recent run records, optionally filtered by job.
func (s *Scheduler) ListRuns(jobID string, limit int) ([]RunRecord, error) {
	lines, err := fsutil.TailLines(s.runPath, 0)
	if err != nil {
		return nil, err
	}
	var out []RunRecord
	for _, line := range lines {
		var r RunRecord
		if err := unmarshalRun(line, &r); err != nil {
			continue
		}
		if jobID != "" && r.JobID != jobID {
			continue
		}
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func unmarshalRun(line string, r *RunRecord) error {
	return json.Unmarshal([]byte(line), r)
}

// Deliverer executes one due job.
type Deliverer interface {
	Deliver(ctx context.Context, job *ScheduledJob) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, job *ScheduledJob) error

func (f DelivererFunc) Deliver(ctx context.Context, job *ScheduledJob) error {
	return f(ctx, job)
}

// RunDispatchLoop polls Due every interval and hands jobs to the deliverer
// until ctx is cancelled. Each outcome is written to the run log; cron jobs
// re-advance, one-shots complete even on delivery failure so a broken job
// cannot fire forever.
func (s *Scheduler) RunDispatchLoop(ctx context.Context, interval time.Duration, deliverer Deliverer) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("dispatch loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dispatch loop stopped")
			return
		case now := <-ticker.C:
			for _, job := range s.Due(now) {
				if err := deliverer.Deliver(ctx, job); err != nil {
					s.logger.Error("job delivery failed",
						zap.String("job_id", job.ID),
						zap.String("name", job.Name),
						zap.Error(err))
					_ = s.LogRun(job.ID, job.Name, "error", err.Error())
				} else {
					_ = s.LogRun(job.ID, job.Name, "ok", "")
				}
				if err := s.MarkCompleted(job.ID); err != nil && !errors.Is(err, ErrJobNotFound) {
					s.logger.Error("mark completed failed", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}
}
