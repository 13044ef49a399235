// Package models defines the task entities: the task itself, its timeline,
// and the inter-tier messages exchanged between orchestrator, worker and
// supervisor.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusNeedsInput Status = "needs_input"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{
	StatusProposed, StatusPending, StatusRunning, StatusPaused,
	StatusNeedsInput, StatusCompleted, StatusFailed, StatusCancelled,
}

// IsValidStatus reports whether s is a known status.
func IsValidStatus(s Status) bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a terminal status.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// allowedTransitions is the status machine. Terminal states allow a
// transition back to pending/running because a downward instruction or
// redirect auto-resumes a finished task with a fresh worker.
var allowedTransitions = map[Status][]Status{
	StatusProposed:   {StatusPending, StatusCancelled},
	StatusPending:    {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusPaused, StatusNeedsInput, StatusCancelled, StatusPending},
	StatusPaused:     {StatusRunning, StatusFailed, StatusCancelled},
	StatusNeedsInput: {StatusRunning, StatusPending, StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusPending, StatusRunning},
	StatusFailed:     {StatusPending, StatusRunning},
	StatusCancelled:  {StatusPending, StatusRunning},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Direction of a TaskMessage.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Tier identifies the sender of a message.
type Tier string

const (
	TierOrchestrator Tier = "orchestrator"
	TierWorker       Tier = "worker"
	TierSupervisor   Tier = "supervisor"
	TierUser         Tier = "user"
	TierSystem       Tier = "system"
)

// Upward message types (worker/supervisor -> orchestrator).
const (
	ReportProgress     = "progress"
	ReportCompleted    = "completed"
	ReportFailed       = "failed"
	ReportNeedsInput   = "needs_input"
	ReportQuestion     = "question"
	ReportArtifact     = "artifact"
	ReportAssessment   = "assessment"
	ReportIntervention = "intervention"
	ReportEscalation   = "escalation"
)

// Downward message types (orchestrator -> tier).
const (
	MsgInstruction = "instruction"
	MsgInput       = "input"
	MsgPause       = "pause"
	MsgResume      = "resume"
	MsgRedirect    = "redirect"
	MsgCancel      = "cancel"
	MsgPriority    = "priority"
	MsgTerminate   = "terminate" // synthetic, emitted for terminal tasks only
)

// UpTypes is the set of valid upward report types.
var UpTypes = map[string]bool{
	ReportProgress: true, ReportCompleted: true, ReportFailed: true,
	ReportNeedsInput: true, ReportQuestion: true, ReportArtifact: true,
	ReportAssessment: true, ReportIntervention: true, ReportEscalation: true,
}

// DownTypes is the set of valid downward message types.
var DownTypes = map[string]bool{
	MsgInstruction: true, MsgInput: true, MsgPause: true, MsgResume: true,
	MsgRedirect: true, MsgCancel: true, MsgPriority: true,
}

// NotifyTypes are the upward types that trigger operator notification.
var NotifyTypes = map[string]bool{
	ReportCompleted: true, ReportFailed: true, ReportNeedsInput: true,
	ReportEscalation: true, ReportAssessment: true, ReportIntervention: true,
}

// TimelineEvent maps an upward report type to its timeline event kind.
func TimelineEvent(reportType string) string {
	switch reportType {
	case ReportProgress:
		return "checkpoint"
	case ReportAssessment:
		return "supervised"
	case ReportIntervention:
		return "intervened"
	default:
		return reportType
	}
}

// WatchdogState tracks escalation of the stalled-worker watchdog.
type WatchdogState string

const (
	WatchdogNone       WatchdogState = "none"
	WatchdogWarned     WatchdogState = "warned"
	WatchdogRestarted  WatchdogState = "restarted"
	WatchdogNeedsInput WatchdogState = "needs_input"
)

// TimelineEntry is an append-only record of a state change or report.
type TimelineEntry struct {
	Timestamp time.Time `json:"ts"`
	Event     string    `json:"event"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail,omitempty"`
}

// TaskMessage is one inter-tier message. Downward messages stay
// unacknowledged until a tier reads them through the inbox.
type TaskMessage struct {
	ID           string    `json:"msg_id"`
	Timestamp    time.Time `json:"ts"`
	Direction    Direction `json:"direction"`
	Type         string    `json:"type"`
	FromTier     Tier      `json:"from_tier"`
	Content      string    `json:"content"`
	Detail       string    `json:"detail,omitempty"`
	ArtifactURL  string    `json:"artifact_url,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
}

// NewTaskMessage builds a message with a fresh id and UTC timestamp.
func NewTaskMessage(direction Direction, msgType string, from Tier, content, detail, artifact string) *TaskMessage {
	return &TaskMessage{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Direction:   direction,
		Type:        msgType,
		FromTier:    from,
		Content:     content,
		Detail:      detail,
		ArtifactURL: artifact,
	}
}

// Task is the central entity: one unit of dispatched work with its own
// directory, worker and optional supervisor.
type Task struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Status Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	WorkerSessionID     string `json:"worker_session_id,omitempty"`
	SupervisorSessionID string `json:"supervisor_session_id,omitempty"`
	WorkDir             string `json:"work_dir,omitempty"`

	// Reply routing.
	Channel    string `json:"channel,omitempty"`
	Target     string `json:"target,omitempty"`
	ServiceURL string `json:"service_url,omitempty"`

	Plan                   string `json:"plan,omitempty"`
	SupervisorInstructions string `json:"supervisor_instructions,omitempty"`
	CheckInterval          int    `json:"check_interval,omitempty"` // seconds
	AutoSupervise          bool   `json:"auto_supervise"`
	OnComplete             string `json:"on_complete,omitempty"`

	// Retry approval state.
	RetryPending bool   `json:"retry_pending"`
	RetryReason  string `json:"retry_reason,omitempty"`
	RetryCount   int    `json:"retry_count"`

	// Deferred completion state.
	CompletionDeferred   bool       `json:"completion_deferred"`
	CompletionDeferredAt *time.Time `json:"completion_deferred_at,omitempty"`
	DeferredSummary      string     `json:"deferred_summary,omitempty"`
	DeferredDetail       string     `json:"deferred_detail,omitempty"`

	// Watchdog state.
	WatchdogState        WatchdogState `json:"watchdog_state"`
	WatchdogRestartCount int           `json:"watchdog_restart_count"`
	WatchdogLastActionAt *time.Time    `json:"watchdog_last_action_at,omitempty"`

	SupervisorAssessments int        `json:"supervisor_assessment_count"`
	LastWorkerActivityAt  *time.Time `json:"last_worker_activity_at,omitempty"`
	WorkerExitedAt        *time.Time `json:"worker_exited_at,omitempty"`

	// RecoveryPending marks a task that was in progress when the process
	// last exited. Orthogonal to Status.
	RecoveryPending bool `json:"recovery_pending"`

	Timeline []TimelineEntry `json:"timeline"`

	// Outbox is the full message history. The inbox is a view: downward
	// messages that are not yet acknowledged.
	Outbox []*TaskMessage `json:"outbox"`
}

// NewTask builds a task with a fresh id in the given initial status.
func NewTask(name, prompt string, status Status) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:            uuid.New().String()[:8],
		Name:          name,
		Prompt:        prompt,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
		WatchdogState: WatchdogNone,
		Timeline:      []TimelineEntry{},
		Outbox:        []*TaskMessage{},
	}
}

// IsTerminal reports whether the task is in a terminal status.
func (t *Task) IsTerminal() bool {
	return IsTerminal(t.Status)
}

// IsActive reports whether the task counts as in progress for recovery and
// watchdog purposes.
func (t *Task) IsActive() bool {
	switch t.Status {
	case StatusRunning, StatusPaused, StatusNeedsInput, StatusPending:
		return true
	}
	return false
}

// Touch bumps UpdatedAt.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// AppendTimeline appends an entry; entries are never mutated afterwards.
func (t *Task) AppendTimeline(event, summary, detail string) {
	t.Timeline = append(t.Timeline, TimelineEntry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Summary:   summary,
		Detail:    detail,
	})
}

// InboxPending returns unacknowledged downward messages in arrival order.
func (t *Task) InboxPending() []*TaskMessage {
	var pending []*TaskMessage
	for _, m := range t.Outbox {
		if m.Direction == DirectionDown && !m.Acknowledged {
			pending = append(pending, m)
		}
	}
	return pending
}

// IdleSince returns the most recent of the activity-relevant timestamps.
// The watchdog measures idleness from this point.
func (t *Task) IdleSince() time.Time {
	latest := t.CreatedAt
	for _, ts := range []*time.Time{t.LastWorkerActivityAt, t.WatchdogLastActionAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	if t.UpdatedAt.After(latest) {
		latest = t.UpdatedAt
	}
	return latest
}

// ValidateTransition returns an error when moving to next is not allowed.
func (t *Task) ValidateTransition(next Status) error {
	if !IsValidStatus(next) {
		return fmt.Errorf("unknown status %q", next)
	}
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("invalid status transition %s -> %s", t.Status, next)
	}
	return nil
}
