// Package workerpool runs worker and supervisor agents for tasks. Workers
// own one subprocess for the task's lifetime; supervisors re-invoke a
// verification agent whenever kicked.
package workerpool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/agent/runner"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/mcpregistry"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/store"
)

// ErrWorkerRunning is returned when a task already has a live worker.
var ErrWorkerRunning = errors.New("task already has a running worker")

// Pool manages all live workers and supervisors.
type Pool struct {
	tasks    *store.Manager
	sched    *scheduler.Scheduler
	runner   *runner.Runner
	registry *mcpregistry.Registry
	logger   *logger.Logger

	rootWorkspace string
	publicURL     string
	logDir        string
	defaultCheck  time.Duration
	agentTimeout  time.Duration

	mu          sync.Mutex
	workers     map[string]*Worker
	supervisors map[string]*Supervisor
}

// New builds the pool.
func New(tasks *store.Manager, sched *scheduler.Scheduler, run *runner.Runner,
	registry *mcpregistry.Registry, cfg *config.Config, log *logger.Logger) *Pool {
	return &Pool{
		tasks:         tasks,
		sched:         sched,
		runner:        run,
		registry:      registry,
		logger:        log.WithFields(zap.String("component", "workerpool")),
		rootWorkspace: cfg.Paths.WorkspaceRoot,
		publicURL:     cfg.MCP.PublicURL,
		logDir:        cfg.Paths.LogDir,
		defaultCheck:  time.Duration(cfg.Supervisor.CheckInterval) * time.Second,
		agentTimeout:  cfg.Agent.AgentTimeout(),
		workers:       make(map[string]*Worker),
		supervisors:   make(map[string]*Supervisor),
	}
}

// StartTask is the standard dispatch path: mark the task running, start its
// worker, and start a supervisor with periodic checks when auto_supervise is
// set. Used for fresh dispatch, retry, auto-resume and watchdog restarts.
func (p *Pool) StartTask(taskID string) error {
	t, err := p.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if t.Status != models.StatusRunning {
		if err := p.tasks.UpdateStatus(taskID, models.StatusRunning); err != nil {
			return err
		}
	}
	if err := p.StartWorker(taskID, t.Prompt, t.WorkerSessionID, nil); err != nil {
		return err
	}
	if t.AutoSupervise {
		if err := p.StartSupervisor(taskID); err != nil {
			p.logger.Error("supervisor start failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

// StartWorker launches a worker for the task. A finished worker's session id
// is carried forward so a re-dispatch resumes the same agent context.
func (p *Pool) StartWorker(taskID, prompt, resumeSessionID string, onComplete CompletionFunc) error {
	t, err := p.tasks.Get(taskID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if prev, ok := p.workers[taskID]; ok {
		if prev.Running() {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrWorkerRunning, taskID)
		}
		if resumeSessionID == "" {
			resumeSessionID = prev.SessionID()
		}
	}
	if onComplete == nil {
		onComplete = p.workerCompleted
	}
	w := &Worker{
		taskID:        taskID,
		prompt:        prompt,
		taskDir:       t.WorkDir,
		resumeID:      resumeSessionID,
		runner:        p.runner,
		logger:        p.logger,
		onComplete:    onComplete,
		rootWorkspace: p.rootWorkspace,
		publicURL:     p.publicURL,
		registry:      p.registry,
		logDir:        p.logDir,
	}
	p.workers[taskID] = w
	p.mu.Unlock()

	w.Start()
	p.logger.Info("worker started",
		zap.String("task_id", taskID),
		zap.Bool("resume", resumeSessionID != ""))
	return nil
}

// StartWorkerWithPrompt dispatches a worker with a one-off prompt, carrying
// the previous session forward. Used for supervisor feedback re-dispatch.
func (p *Pool) StartWorkerWithPrompt(taskID, prompt string) error {
	return p.StartWorker(taskID, prompt, "", nil)
}

// workerCompleted is the default completion callback.
func (p *Pool) workerCompleted(taskID, output string, runErr error) {
	sessionID := ""
	if w := p.GetWorker(taskID); w != nil {
		sessionID = w.SessionID()
	}
	now := time.Now().UTC()
	err := p.tasks.Update(taskID, func(t *models.Task) error {
		t.WorkerExitedAt = &now
		if sessionID != "" {
			t.WorkerSessionID = sessionID
		}
		summary := "worker exited"
		if runErr != nil {
			summary = fmt.Sprintf("worker exited with error: %v", runErr)
		}
		t.AppendTimeline("worker_exited", summary, truncateStr(output, 2000))
		return nil
	})
	if err != nil {
		p.logger.Error("record worker exit failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	t, err := p.tasks.Get(taskID)
	if err != nil {
		return
	}
	switch {
	case t.CompletionDeferred:
		// the supervisor must finalize; make sure it looks soon
		p.RequestSupervisorCheck(taskID)
	case runErr != nil && t.IsActive() && !t.RetryPending:
		reason := fmt.Sprintf("worker failed: %v", runErr)
		if err := p.tasks.RequestRetry(taskID, reason); err != nil {
			p.logger.Error("retry request failed", zap.String("task_id", taskID), zap.Error(err))
		}
	case t.Status == models.StatusRunning && t.AutoSupervise:
		// worker finished without reporting; ask the supervisor to finalize
		p.RequestSupervisorCheck(taskID)
	}
}

// StartSupervisor launches the task's supervisor and schedules its periodic
// check job.
func (p *Pool) StartSupervisor(taskID string) error {
	t, err := p.tasks.Get(taskID)
	if err != nil {
		return err
	}
	interval := time.Duration(t.CheckInterval) * time.Second
	if interval <= 0 {
		interval = p.defaultCheck
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	p.mu.Lock()
	if _, ok := p.supervisors[taskID]; ok {
		p.mu.Unlock()
		return nil
	}
	s := &Supervisor{
		taskID:        taskID,
		prompt:        t.Prompt,
		instructions:  t.SupervisorInstructions,
		taskDir:       t.WorkDir,
		checkInterval: interval,
		agentTimeout:  p.agentTimeout,
		runner:        p.runner,
		logger:        p.logger,
		taskState: func(id string) (*models.Task, bool) {
			tk, err := p.tasks.Get(id)
			return tk, err == nil
		},
		workerUp: func(id string) bool {
			w := p.GetWorker(id)
			return w != nil && w.Running()
		},
		rootWorkspace: p.rootWorkspace,
		publicURL:     p.publicURL,
		registry:      p.registry,
		logDir:        p.logDir,
	}
	p.supervisors[taskID] = s
	p.mu.Unlock()

	s.Start(t.WorkerSessionID)
	p.scheduleNextCheck(taskID, interval)
	p.logger.Info("supervisor started",
		zap.String("task_id", taskID),
		zap.Duration("check_interval", interval))
	return nil
}

func (p *Pool) scheduleNextCheck(taskID string, interval time.Duration) {
	_, err := p.sched.Schedule(
		"supervisor-check:"+taskID,
		time.Now().Add(interval),
		map[string]interface{}{"type": scheduler.PayloadSupervisorCheck, "task_id": taskID},
		"")
	if err != nil {
		p.logger.Error("schedule supervisor check failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// HandleSupervisorCheckJob is called by the dispatch deliverer for each due
// supervisor_check job: kick the supervisor, persist its session id, and
// schedule the next check while the supervisor is still alive.
func (p *Pool) HandleSupervisorCheckJob(taskID string) {
	p.mu.Lock()
	s, ok := p.supervisors[taskID]
	p.mu.Unlock()
	if !ok {
		return
	}
	s.Kick()
	if id := s.SessionID(); id != "" {
		_ = p.tasks.Update(taskID, func(t *models.Task) error {
			t.SupervisorSessionID = id
			return nil
		})
	}
	p.scheduleNextCheck(taskID, s.checkInterval)
}

// RequestSupervisorCheck kicks the supervisor immediately.
func (p *Pool) RequestSupervisorCheck(taskID string) {
	p.mu.Lock()
	s, ok := p.supervisors[taskID]
	p.mu.Unlock()
	if ok {
		s.Kick()
	}
}

// StopTask stops the task's worker and supervisor and cancels its pending
// supervisor-check jobs.
func (p *Pool) StopTask(taskID string) {
	p.mu.Lock()
	w := p.workers[taskID]
	s := p.supervisors[taskID]
	delete(p.workers, taskID)
	delete(p.supervisors, taskID)
	p.mu.Unlock()

	if s != nil {
		s.Stop()
	}
	if w != nil {
		w.Stop()
	}
	p.sched.CancelWhere(func(j *scheduler.ScheduledJob) bool {
		id, _ := j.Payload["task_id"].(string)
		typ, _ := j.Payload["type"].(string)
		return typ == scheduler.PayloadSupervisorCheck && id == taskID
	})
	p.logger.Info("task stopped", zap.String("task_id", taskID))
}

// StopAll stops everything; called on shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers)+len(p.supervisors))
	seen := map[string]bool{}
	for id := range p.workers {
		ids = append(ids, id)
		seen[id] = true
	}
	for id := range p.supervisors {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.StopTask(id)
	}
}

// GetWorker returns the task's worker, or nil.
func (p *Pool) GetWorker(taskID string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[taskID]
}

// GetSupervisor returns the task's supervisor, or nil.
func (p *Pool) GetSupervisor(taskID string) *Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supervisors[taskID]
}

// WorkerRunning reports whether the task has a live worker subprocess.
func (p *Pool) WorkerRunning(taskID string) bool {
	w := p.GetWorker(taskID)
	return w != nil && w.Running()
}

// SupervisorActive reports whether the task has a supervisor.
func (p *Pool) SupervisorActive(taskID string) bool {
	return p.GetSupervisor(taskID) != nil
}

// ActiveCount returns the number of live workers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.Running() {
			n++
		}
	}
	return n
}

// Status returns a per-task snapshot for introspection.
func (p *Pool) Status() map[string]map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]map[string]bool)
	ensure := func(id string) map[string]bool {
		if _, ok := out[id]; !ok {
			out[id] = map[string]bool{"worker": false, "supervisor": false}
		}
		return out[id]
	}
	for id, w := range p.workers {
		ensure(id)["worker"] = w.Running()
	}
	for id := range p.supervisors {
		ensure(id)["supervisor"] = true
	}
	return out
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
