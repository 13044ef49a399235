package toolserver

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/stream"
)

// stuckAssessmentThreshold finalizes a deferred task once the supervisor has
// assessed this many times without a clear verdict and the worker is gone.
const stuckAssessmentThreshold = 2

var (
	strongNegativeRe = regexp.MustCompile(`\b(truncated|incomplete|missing|error|failed|cannot|lack|absent|broken|wrong)\b`)
	positiveRe       = regexp.MustCompile(`\b(verified|looks good|complete|success|correct|passed|ok|done|finished|created|built|working)\b`)
)

func (s *Server) registerWorkerTools() {
	s.addTool(mcp.NewTool("task_report",
		mcp.WithDescription("Report upward to the orchestrator: progress, completed, failed, needs_input, question, artifact, assessment, intervention or escalation."),
		mcp.WithString("type", mcp.Required(), mcp.Description("Report type")),
		mcp.WithString("summary", mcp.Required(), mcp.Description("One-paragraph summary")),
		mcp.WithString("detail", mcp.Description("Longer detail")),
		mcp.WithString("artifact_url", mcp.Description("Link to a produced artifact")),
	), s.taskReport)

	s.addTool(mcp.NewTool("task_check_inbox",
		mcp.WithDescription("Fetch pending instructions for your task. Call this periodically."),
		mcp.WithBoolean("acknowledge", mcp.Description("Mark returned messages as read (default true)")),
	), s.taskCheckInbox)

	s.addTool(mcp.NewTool("task_set_status",
		mcp.WithDescription("Set the task status directly. Prefer task_report for completed/failed."),
		mcp.WithString("status", mcp.Required(), mcp.Description("New status")),
	), s.taskSetStatus)

	s.addTool(mcp.NewTool("task_get_context",
		mcp.WithDescription("Fetch your task's full context: prompt, status, plan, recent timeline."),
	), s.taskGetContext)

	s.addTool(mcp.NewTool("task_read_peer",
		mcp.WithDescription("Supervisor only: read the worker's recent output and status."),
		mcp.WithNumber("tail", mcp.Description("Log lines to include (default 60)")),
	), s.taskReadPeer)

	s.addTool(mcp.NewTool("task_send_input",
		mcp.WithDescription("Supervisor only: send an instruction to the worker. If the worker has exited, a new worker is dispatched with your feedback."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Instruction for the worker")),
	), s.taskSendInput)
}

// taskFromMeta resolves the calling agent's task.
func (s *Server) taskFromMeta(ctx context.Context) (*models.Task, callMeta, error) {
	meta := metaFrom(ctx)
	if meta.TaskID == "" {
		return nil, meta, fmt.Errorf("no task bound to this call; the tool-server URL must carry ?task_id=")
	}
	t, err := s.tasks.Get(meta.TaskID)
	if err != nil {
		return nil, meta, err
	}
	return t, meta, nil
}

func tierForRole(role string) models.Tier {
	switch role {
	case "supervisor":
		return models.TierSupervisor
	case "worker":
		return models.TierWorker
	default:
		return models.TierOrchestrator
	}
}

func (s *Server) taskReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, meta, err := s.taskFromMeta(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reportType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	summary, err := req.RequireString("summary")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	detail := req.GetString("detail", "")
	artifact := req.GetString("artifact_url", "")

	// worker completion with an active supervisor is deferred for verification
	if meta.Role == "worker" && reportType == models.ReportCompleted &&
		t.AutoSupervise && s.pool.SupervisorActive(t.ID) {
		return s.deferCompletion(t.ID, summary, detail)
	}

	if meta.Role == "supervisor" && t.CompletionDeferred {
		return s.supervisorReportOnDeferred(t, reportType, summary, detail, artifact)
	}

	msg, err := s.tasks.HandleReport(t.ID, reportType, summary, detail, artifact, tierForRole(meta.Role))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if reportType == models.ReportCompleted || reportType == models.ReportFailed {
		s.afterTerminal(t.ID, reportType, summary, detail)
	}
	return jsonResult(map[string]interface{}{"msg_id": msg.ID, "status": "recorded"}), nil
}

// deferCompletion records the worker's completion as progress and hands
// verification to the supervisor.
func (s *Server) deferCompletion(taskID, summary, detail string) (*mcp.CallToolResult, error) {
	if _, err := s.tasks.HandleReport(taskID, models.ReportProgress,
		summary+" (Awaiting supervisor verification)", detail, "", models.TierWorker); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	deferredAt := time.Now().UTC()
	err := s.tasks.Update(taskID, func(t *models.Task) error {
		t.CompletionDeferred = true
		t.CompletionDeferredAt = &deferredAt
		t.DeferredSummary = summary
		t.DeferredDetail = detail
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.pool.RequestSupervisorCheck(taskID)
	go s.autoFinalizeWatchdog(taskID, deferredAt)

	s.logger.Info("completion deferred for verification", zap.String("task_id", taskID))
	return jsonResult(map[string]interface{}{
		"status": "deferred",
		"note":   "supervisor verification requested; stay in your inbox wait loop",
	}), nil
}

// autoFinalizeWatchdog finalizes a deferral the supervisor never resolved.
// The timestamp guard makes it a no-op if the deferral was resolved and a
// new one started since.
func (s *Server) autoFinalizeWatchdog(taskID string, deferredAt time.Time) {
	time.Sleep(s.finalizeDelay)
	t, err := s.tasks.Get(taskID)
	if err != nil || !t.CompletionDeferred {
		return
	}
	if t.CompletionDeferredAt == nil || !t.CompletionDeferredAt.Equal(deferredAt) {
		return
	}
	s.logger.Warn("deferred completion auto-finalized by watchdog", zap.String("task_id", taskID))
	s.finalizeDeferred(t, t.DeferredSummary+" (auto-finalized by watchdog)", t.DeferredDetail)
}

// supervisorReportOnDeferred applies the verification rules to a
// supervisor's report on a deferred task.
func (s *Server) supervisorReportOnDeferred(t *models.Task, reportType, summary, detail, artifact string) (*mcp.CallToolResult, error) {
	if reportType == models.ReportCompleted {
		if _, err := s.tasks.HandleReport(t.ID, models.ReportAssessment,
			"Supervisor confirmed completion: "+summary, detail, artifact, models.TierSupervisor); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		s.finalizeDeferred(t, t.DeferredSummary+" (Supervisor verified completion: "+summary+")", detail)
		return jsonResult(map[string]interface{}{"status": "finalized"}), nil
	}

	msg, err := s.tasks.HandleReport(t.ID, reportType, summary, detail, artifact, models.TierSupervisor)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if reportType != models.ReportAssessment {
		return jsonResult(map[string]interface{}{"msg_id": msg.ID, "status": "recorded"}), nil
	}

	text := strings.ToLower(summary + " " + detail)
	negative := strongNegativeRe.MatchString(text)
	positive := positiveRe.MatchString(text)
	workerDead := !s.pool.WorkerRunning(t.ID)

	fresh, err := s.tasks.Get(t.ID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	switch {
	case negative:
		// the supervisor found problems; leave the deferral standing
		return jsonResult(map[string]interface{}{"msg_id": msg.ID, "status": "recorded", "finalized": false}), nil
	case positive && workerDead:
		s.finalizeDeferred(fresh, fresh.DeferredSummary+" (Supervisor verified completion: "+summary+")", detail)
		return jsonResult(map[string]interface{}{"status": "finalized"}), nil
	case workerDead && fresh.SupervisorAssessments >= stuckAssessmentThreshold:
		// the stuck-assessment rule: repeated neutral verdicts with no worker
		note := fmt.Sprintf(" (Auto-finalized after %d assessments)", fresh.SupervisorAssessments)
		s.finalizeDeferred(fresh, fresh.DeferredSummary+note, detail)
		return jsonResult(map[string]interface{}{"status": "finalized"}), nil
	default:
		return jsonResult(map[string]interface{}{"msg_id": msg.ID, "status": "recorded", "finalized": false}), nil
	}
}

// finalizeDeferred completes a deferred task and runs the terminal cleanup.
func (s *Server) finalizeDeferred(t *models.Task, summary, detail string) {
	err := s.tasks.Update(t.ID, func(tk *models.Task) error {
		tk.CompletionDeferred = false
		tk.CompletionDeferredAt = nil
		tk.DeferredSummary = ""
		tk.DeferredDetail = ""
		tk.SupervisorAssessments = 0
		return nil
	})
	if err != nil {
		s.logger.Error("clear deferral failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	if _, err := s.tasks.HandleReport(t.ID, models.ReportCompleted, summary, detail, "", models.TierSupervisor); err != nil {
		s.logger.Error("finalize report failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	s.afterTerminal(t.ID, models.ReportCompleted, summary, detail)
}

// afterTerminal stops the task's processes and fires the on-complete hook.
func (s *Server) afterTerminal(taskID, reason, summary, detail string) {
	s.pool.StopTask(taskID)
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return
	}
	go s.runOnCompleteHook(t, reason, summary, detail)
}

func (s *Server) taskCheckInbox(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, _, err := s.taskFromMeta(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msgs, err := s.tasks.CheckInbox(t.ID, req.GetBool("acknowledge", true))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(msgs) == 0 {
		return mcp.NewToolResultText("(no pending messages)"), nil
	}
	return jsonResult(msgs), nil
}

func (s *Server) taskSetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, _, err := s.taskFromMeta(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.tasks.UpdateStatus(t.ID, models.Status(status)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"task_id": t.ID, "status": status}), nil
}

func (s *Server) taskGetContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, _, err := s.taskFromMeta(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	recent := t.Timeline
	if len(recent) > 15 {
		recent = recent[len(recent)-15:]
	}
	return jsonResult(map[string]interface{}{
		"task_id":  t.ID,
		"name":     t.Name,
		"status":   t.Status,
		"prompt":   t.Prompt,
		"plan":     t.Plan,
		"timeline": recent,
	}), nil
}

func (s *Server) taskReadPeer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, meta, err := s.taskFromMeta(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if meta.Role != "supervisor" {
		return mcp.NewToolResultError("task_read_peer is for supervisors"), nil
	}
	tail := req.GetInt("tail", 60)

	var b strings.Builder
	fmt.Fprintf(&b, "=== worker status ===\n")
	fmt.Fprintf(&b, "task: %s (%s)\nstatus: %s\nworker running: %v\n",
		t.Name, t.ID, t.Status, s.pool.WorkerRunning(t.ID))
	if t.LastWorkerActivityAt != nil {
		fmt.Fprintf(&b, "last worker activity: %s\n", t.LastWorkerActivityAt.Format(time.RFC3339))
	}
	if t.WorkerExitedAt != nil {
		fmt.Fprintf(&b, "worker exited: %s\n", t.WorkerExitedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "completion deferred: %v\n", t.CompletionDeferred)

	entries, err := stream.ForTask(t.WorkDir).Tail(tail)
	if err == nil && len(entries) > 0 {
		b.WriteString("\n=== recent tool calls ===\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "%s [%s] %s -> %s\n",
				e.Timestamp.Format("15:04:05"), e.Role, e.Tool, e.ResultSummary)
		}
	}

	lines, err := fsutil.TailLines(filepath.Join(t.WorkDir, "worker.log"), tail)
	if err == nil && len(lines) > 0 {
		b.WriteString("\n=== worker log ===\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) taskSendInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, meta, err := s.taskFromMeta(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if meta.Role != "supervisor" {
		return mcp.NewToolResultError("task_send_input is for supervisors"), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if s.pool.WorkerRunning(t.ID) {
		msg, err := s.tasks.SendMessage(t.ID, models.MsgInstruction, content, models.TierSupervisor)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"msg_id": msg.ID, "delivered": "inbox"}), nil
	}

	// worker gone: dispatch a fresh one carrying the feedback
	prompt := fmt.Sprintf("%s\n\n--- SUPERVISOR FEEDBACK ---\n%s", t.Prompt, content)
	if t.IsTerminal() || t.Status == models.StatusNeedsInput {
		if err := s.tasks.UpdateStatus(t.ID, models.StatusRunning); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	if err := s.pool.StartWorkerWithPrompt(t.ID, prompt); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("re-dispatch failed: %v", err)), nil
	}
	_ = s.tasks.Update(t.ID, func(tk *models.Task) error {
		tk.AppendTimeline("intervened", "supervisor re-dispatched the worker with feedback", content)
		return nil
	})
	return jsonResult(map[string]interface{}{"delivered": "new_worker"}), nil
}
