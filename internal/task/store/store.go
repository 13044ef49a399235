// Package store implements the task manager: the authoritative, persistent
// store of every task. All mutations happen under one lock and are persisted
// to tasks.json before the lock is released; a failed write fails the
// mutation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// Common errors.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrInvalidType    = errors.New("invalid message type")
	ErrNoRetryPending = errors.New("no retry pending")
	ErrDuplicateName  = errors.New("a task with this name is already active")
	ErrInvalidStatus  = errors.New("invalid status")
)

// CreateOptions carries the optional attributes of a new task.
type CreateOptions struct {
	Status                 models.Status
	Channel                string
	Target                 string
	ServiceURL             string
	Plan                   string
	SupervisorInstructions string
	CheckInterval          int
	AutoSupervise          bool
	OnComplete             string
}

// Manager owns every Task object. Other components hold task ids and look
// up through the manager.
type Manager struct {
	mu        sync.Mutex
	tasks     map[string]*models.Task
	path      string
	tasksRoot string
	bus       bus.EventBus
	logger    *logger.Logger
}

type diskFormat struct {
	Tasks map[string]*models.Task `json:"tasks"`
}

// NewManager loads tasks.json (if present) and returns the manager.
func NewManager(path, tasksRoot string, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		tasks:     make(map[string]*models.Task),
		path:      path,
		tasksRoot: tasksRoot,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "taskstore")),
	}
	var doc diskFormat
	ok, err := fsutil.ReadJSON(path, &doc)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	if ok && doc.Tasks != nil {
		m.tasks = doc.Tasks
	}
	return m, nil
}

// TasksRoot returns the root directory holding per-task subtrees.
func (m *Manager) TasksRoot() string {
	return m.tasksRoot
}

// TaskDir returns the directory owned by a task.
func (m *Manager) TaskDir(id string) string {
	return filepath.Join(m.tasksRoot, id)
}

func (m *Manager) persistLocked() error {
	return fsutil.WriteJSONAtomic(m.path, diskFormat{Tasks: m.tasks})
}

func (m *Manager) publish(subject string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "taskstore", data)); err != nil {
		m.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// notifyOperator publishes a NotifyUser event routed to the task's channel.
func (m *Manager) notifyOperator(t *models.Task, text string) {
	if t.Channel == "" || t.Target == "" {
		return
	}
	m.publish(events.NotifyUser, map[string]interface{}{
		"channel":     t.Channel,
		"target":      t.Target,
		"service_url": t.ServiceURL,
		"text":        text,
		"task_id":     t.ID,
	})
}

// CreateTask allocates a task, creates its directory tree and records the
// created timeline entry.
func (m *Manager) CreateTask(name, prompt string, opts CreateOptions) (*models.Task, error) {
	status := opts.Status
	if status == "" {
		status = models.StatusPending
	}
	if status != models.StatusPending && status != models.StatusProposed {
		return nil, fmt.Errorf("%w: new tasks start as pending or proposed, not %s", ErrInvalidStatus, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if strings.EqualFold(t.Name, name) && !t.IsTerminal() {
			return nil, fmt.Errorf("%w: %q (task %s, status %s)", ErrDuplicateName, name, t.ID, t.Status)
		}
	}

	t := models.NewTask(name, prompt, status)
	t.Channel = opts.Channel
	t.Target = opts.Target
	t.ServiceURL = opts.ServiceURL
	t.Plan = opts.Plan
	t.SupervisorInstructions = opts.SupervisorInstructions
	t.CheckInterval = opts.CheckInterval
	t.AutoSupervise = opts.AutoSupervise
	t.OnComplete = opts.OnComplete
	t.WorkDir = filepath.Join(m.tasksRoot, t.ID)

	if err := fsutil.EnsureDir(t.WorkDir); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}

	t.AppendTimeline("created", fmt.Sprintf("task %q created (%s)", name, status), prompt)
	m.tasks[t.ID] = t
	if err := m.persistLocked(); err != nil {
		delete(m.tasks, t.ID)
		return nil, err
	}

	m.publish(events.TaskCreated, map[string]interface{}{"task_id": t.ID, "name": t.Name, "status": string(t.Status)})
	m.logger.Info("task created", zap.String("task_id", t.ID), zap.String("name", name), zap.String("status", string(status)))
	return cloneTask(t), nil
}

// Get returns a snapshot of one task.
func (m *Manager) Get(id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneTask(t), nil
}

// List returns snapshots of all tasks, newest first.
func (m *Manager) List() []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Update applies fn to the task under the lock and persists. fn runs on the
// live object; returning an error aborts the persist.
func (m *Manager) Update(id string, fn func(*models.Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := fn(t); err != nil {
		return err
	}
	t.Touch()
	return m.persistLocked()
}

// setStatusLocked applies a validated status change plus its side effects.
func (m *Manager) setStatusLocked(t *models.Task, next models.Status) error {
	if err := t.ValidateTransition(next); err != nil {
		return err
	}
	prev := t.Status
	t.Status = next
	if models.IsTerminal(next) {
		now := time.Now().UTC()
		t.CompletedAt = &now
	} else {
		t.CompletedAt = nil
	}
	t.Touch()
	t.AppendTimeline("status", fmt.Sprintf("%s -> %s", prev, next), "")
	m.publish(events.TaskStateChanged, map[string]interface{}{
		"task_id": t.ID, "old_status": string(prev), "new_status": string(next),
	})
	return nil
}

// UpdateStatus validates and applies a status transition.
func (m *Manager) UpdateStatus(id string, next models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := m.setStatusLocked(t, next); err != nil {
		return err
	}
	return m.persistLocked()
}

// HandleReport records an upward message from a worker or supervisor,
// appends the matching timeline entry and applies status side effects.
func (m *Manager) HandleReport(id, reportType, summary, detail, artifact string, from models.Tier) (*models.TaskMessage, error) {
	if !models.UpTypes[reportType] {
		return nil, fmt.Errorf("%w: %q is not an upward type", ErrInvalidType, reportType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	msg := models.NewTaskMessage(models.DirectionUp, reportType, from, summary, detail, artifact)
	t.Outbox = append(t.Outbox, msg)
	t.AppendTimeline(models.TimelineEvent(reportType), summary, detail)

	switch reportType {
	case models.ReportCompleted:
		if err := m.setStatusLocked(t, models.StatusCompleted); err != nil {
			m.logger.Warn("completed report on task that cannot complete", zap.String("task_id", id), zap.Error(err))
		}
	case models.ReportFailed:
		if err := m.setStatusLocked(t, models.StatusFailed); err != nil {
			m.logger.Warn("failed report on task that cannot fail", zap.String("task_id", id), zap.Error(err))
		}
	case models.ReportNeedsInput:
		if err := m.setStatusLocked(t, models.StatusNeedsInput); err != nil {
			m.logger.Warn("needs_input report rejected", zap.String("task_id", id), zap.Error(err))
		}
	}
	if reportType == models.ReportAssessment {
		t.SupervisorAssessments++
	}

	t.Touch()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}

	m.publish(events.TaskReport, map[string]interface{}{
		"task_id": id, "type": reportType, "summary": summary, "from": string(from),
	})
	if models.NotifyTypes[reportType] {
		m.notifyOperator(t, fmt.Sprintf("Task %q (%s) %s: %s", t.Name, t.ID, reportType, summary))
	}
	return cloneMessage(msg), nil
}

// SendMessage records a downward message. It lands in the outbox history
// and remains unacknowledged (i.e. in the inbox) until a tier reads it.
func (m *Manager) SendMessage(id, msgType, content string, from models.Tier) (*models.TaskMessage, error) {
	if !models.DownTypes[msgType] {
		return nil, fmt.Errorf("%w: %q is not a downward type", ErrInvalidType, msgType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	msg := models.NewTaskMessage(models.DirectionDown, msgType, from, content, "", "")
	t.Outbox = append(t.Outbox, msg)
	t.AppendTimeline("message", fmt.Sprintf("%s from %s", msgType, from), content)

	switch msgType {
	case models.MsgPause:
		if t.Status == models.StatusRunning {
			_ = m.setStatusLocked(t, models.StatusPaused)
		}
	case models.MsgResume:
		if t.Status == models.StatusPaused {
			_ = m.setStatusLocked(t, models.StatusRunning)
		}
	case models.MsgCancel:
		if !t.IsTerminal() {
			_ = m.setStatusLocked(t, models.StatusCancelled)
		}
	}

	t.Touch()
	if err := m.persistLocked(); err != nil {
		return nil, err
	}

	m.publish(events.TaskMessage, map[string]interface{}{
		"task_id": id, "type": msgType, "from": string(from),
	})
	return cloneMessage(msg), nil
}

// CheckInbox returns the pending downward messages. With acknowledge the
// returned batch is marked read atomically. For terminal tasks a single
// synthetic terminate message is returned so workers exit their wait loops
// instead of polling forever.
func (m *Manager) CheckInbox(id string, acknowledge bool) ([]*models.TaskMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if t.IsTerminal() {
		term := models.NewTaskMessage(models.DirectionDown, models.MsgTerminate, models.TierSystem,
			fmt.Sprintf("task is %s; stop working and exit", t.Status), "", "")
		return []*models.TaskMessage{term}, nil
	}

	pending := t.InboxPending()
	out := make([]*models.TaskMessage, 0, len(pending))
	for _, msg := range pending {
		out = append(out, cloneMessage(msg))
	}
	if acknowledge && len(pending) > 0 {
		for _, msg := range pending {
			msg.Acknowledged = true
		}
		t.Touch()
		if err := m.persistLocked(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RequestRetry moves a task to needs_input with retry approval pending and
// notifies the operator.
func (m *Manager) RequestRetry(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.RetryPending = true
	t.RetryReason = reason
	if t.Status != models.StatusNeedsInput && !t.IsTerminal() {
		_ = m.setStatusLocked(t, models.StatusNeedsInput)
	}
	t.AppendTimeline("retry_requested", reason, "")
	t.Touch()
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.notifyOperator(t, fmt.Sprintf("Task %q (%s) hit an error: %s\nReply yes to retry or no to cancel.", t.Name, t.ID, reason))
	return nil
}

// ApproveRetry clears retry state and moves the task back to pending so the
// caller can re-dispatch a worker.
func (m *Manager) ApproveRetry(id string) error {
	return m.resolveRetry(id, true)
}

// DeclineRetry clears retry state and fails the task.
func (m *Manager) DeclineRetry(id string) error {
	return m.resolveRetry(id, false)
}

func (m *Manager) resolveRetry(id string, approve bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.RetryPending {
		return fmt.Errorf("%w: task %s", ErrNoRetryPending, id)
	}
	t.RetryPending = false
	if approve {
		t.RetryCount++
		t.AppendTimeline("retry_approved", fmt.Sprintf("attempt %d", t.RetryCount), t.RetryReason)
		_ = m.setStatusLocked(t, models.StatusPending)
	} else {
		t.AppendTimeline("retry_declined", t.RetryReason, "")
		_ = m.setStatusLocked(t, models.StatusFailed)
	}
	t.RetryReason = ""
	t.Touch()
	return m.persistLocked()
}

// LatestPendingRetry returns the most recently updated retry-pending task,
// preferring one matching (channel, target); with no match any pending one
// is returned.
func (m *Manager) LatestPendingRetry(channel, target string) *models.Task {
	return m.latestWhere(channel, target, func(t *models.Task) bool { return t.RetryPending })
}

// LatestProposed returns the most recently updated proposed task for a chat.
func (m *Manager) LatestProposed(channel, target string) *models.Task {
	return m.latestWhere(channel, target, func(t *models.Task) bool { return t.Status == models.StatusProposed })
}

func (m *Manager) latestWhere(channel, target string, match func(*models.Task) bool) *models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var exact, any *models.Task
	for _, t := range m.tasks {
		if !match(t) {
			continue
		}
		if any == nil || t.UpdatedAt.After(any.UpdatedAt) {
			any = t
		}
		if t.Channel == channel && t.Target == target {
			if exact == nil || t.UpdatedAt.After(exact.UpdatedAt) {
				exact = t
			}
		}
	}
	if exact != nil {
		return cloneTask(exact)
	}
	if any != nil {
		return cloneTask(any)
	}
	return nil
}

// MarkRecoveryPending flags a task as interrupted by a restart.
func (m *Manager) MarkRecoveryPending(id string) error {
	return m.Update(id, func(t *models.Task) error {
		t.RecoveryPending = true
		t.AppendTimeline("recovery", "marked recovery-pending after restart", "")
		return nil
	})
}

// ResolveRecovery clears the flag; with resume the task is re-queued as
// pending, otherwise it is cancelled.
func (m *Manager) ResolveRecovery(id string, resume bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.RecoveryPending = false
	if resume {
		t.AppendTimeline("recovery", "operator chose to resume", "")
		if t.Status != models.StatusPending {
			_ = m.setStatusLocked(t, models.StatusPending)
		}
	} else {
		t.AppendTimeline("recovery", "operator chose to cancel", "")
		if !t.IsTerminal() {
			_ = m.setStatusLocked(t, models.StatusCancelled)
		}
	}
	t.Touch()
	return m.persistLocked()
}

// RecoveryPendingTasks returns recovery-pending tasks; with channel/target
// set only matching ones, falling back to all when none match.
func (m *Manager) RecoveryPendingTasks(channel, target string) []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matching, all []*models.Task
	for _, t := range m.tasks {
		if !t.RecoveryPending {
			continue
		}
		all = append(all, cloneTask(t))
		if t.Channel == channel && t.Target == target {
			matching = append(matching, cloneTask(t))
		}
	}
	if channel != "" && len(matching) > 0 {
		return matching
	}
	return all
}

// StaleActiveTasks returns tasks that look in-progress but have no recovery
// flag yet; the boot sequence uses this to prompt the operator.
func (m *Manager) StaleActiveTasks() []*models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.IsActive() && !t.RecoveryPending {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ClearAll removes every task from the store. Task directories are left on
// disk for external cleanup.
func (m *Manager) ClearAll() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.tasks)
	m.tasks = make(map[string]*models.Task)
	if err := m.persistLocked(); err != nil {
		return 0, err
	}
	return n, nil
}

// AppendLog appends a line to the task's raw.log.
func (m *Manager) AppendLog(id, text string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return fsutil.AppendLine(filepath.Join(t.WorkDir, "raw.log"), text)
}

// ReadLog returns the last tail lines of the task's raw.log.
func (m *Manager) ReadLog(id string, tail int) ([]string, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return fsutil.TailLines(filepath.Join(t.WorkDir, "raw.log"), tail)
}

// TouchWorkerActivity records tool-call activity from the worker and
// de-escalates the watchdog.
func (m *Manager) TouchWorkerActivity(id string) {
	_ = m.Update(id, func(t *models.Task) error {
		now := time.Now().UTC()
		t.LastWorkerActivityAt = &now
		if t.WatchdogState == models.WatchdogWarned || t.WatchdogState == models.WatchdogRestarted {
			t.WatchdogState = models.WatchdogNone
		}
		return nil
	})
}

func cloneTask(t *models.Task) *models.Task {
	data, err := json.Marshal(t)
	if err != nil {
		return t
	}
	var out models.Task
	if err := json.Unmarshal(data, &out); err != nil {
		return t
	}
	return &out
}

func cloneMessage(msg *models.TaskMessage) *models.TaskMessage {
	c := *msg
	return &c
}
