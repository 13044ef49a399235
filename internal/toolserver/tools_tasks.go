package toolserver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/store"
	"github.com/dispatchd/dispatchd/internal/task/stream"
)

// recentTerminalShown caps how many finished tasks tasks_list includes.
const recentTerminalShown = 10

func (s *Server) registerTaskTools() {
	s.addTool(mcp.NewTool("tasks_propose",
		mcp.WithDescription("Propose a task for user approval. Use this for any non-trivial work instead of starting it directly."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Short task name")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Full task prompt for the worker")),
		mcp.WithString("plan", mcp.Description("Step-by-step plan shown to the user")),
		mcp.WithString("channel", mcp.Description("Reply channel")),
		mcp.WithString("target", mcp.Description("Reply chat id")),
		mcp.WithString("service_url", mcp.Description("Teams reply endpoint")),
		mcp.WithBoolean("auto_supervise", mcp.Description("Attach a supervisor after approval (default true)")),
		mcp.WithString("supervisor_instructions", mcp.Description("Extra verification instructions")),
		mcp.WithString("on_complete", mcp.Description("Hook instruction run when the task finishes")),
	), s.tasksPropose)

	s.addTool(mcp.NewTool("tasks_approve",
		mcp.WithDescription("Approve a proposed task and dispatch its worker."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Proposed task id")),
	), s.tasksApprove)

	s.addTool(mcp.NewTool("tasks_create",
		mcp.WithDescription("Create and immediately dispatch a task without user approval. Prefer tasks_propose unless the user already agreed."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Short task name")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Full task prompt for the worker")),
		mcp.WithString("channel", mcp.Description("Reply channel")),
		mcp.WithString("target", mcp.Description("Reply chat id")),
		mcp.WithString("service_url", mcp.Description("Teams reply endpoint")),
		mcp.WithBoolean("auto_supervise", mcp.Description("Attach a supervisor (default true)")),
		mcp.WithString("supervisor_instructions", mcp.Description("Extra verification instructions")),
		mcp.WithString("on_complete", mcp.Description("Hook instruction run when the task finishes")),
	), s.tasksCreate)

	s.addTool(mcp.NewTool("tasks_list",
		mcp.WithDescription("List active and proposed tasks, plus recently finished ones."),
	), s.tasksList)

	s.addTool(mcp.NewTool("tasks_status",
		mcp.WithDescription("Detailed status of one task including a concise timeline."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.tasksStatus)

	s.addTool(mcp.NewTool("tasks_logs",
		mcp.WithDescription("Read a task's logs."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("source", mcp.Description("combined (default), worker, supervisor, activity, or events")),
		mcp.WithNumber("tail", mcp.Description("Lines to return (default 50)")),
	), s.tasksLogs)

	s.addTool(mcp.NewTool("tasks_send",
		mcp.WithDescription("Send a downward message to a task. An instruction or redirect to a finished task resumes it with a new worker."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
		mcp.WithString("type", mcp.Required(), mcp.Description("instruction, input, pause, resume, redirect, cancel or priority")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message content")),
		mcp.WithString("supervisor_instructions", mcp.Description("Replacement verification instructions on resume")),
	), s.tasksSend)

	s.addTool(mcp.NewTool("tasks_cancel",
		mcp.WithDescription("Cancel a task and stop its worker."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id")),
	), s.tasksCancel)

	s.addTool(mcp.NewTool("tasks_clear_all",
		mcp.WithDescription("Stop every worker and remove every task."),
	), s.tasksClearAll)
}

func (s *Server) createOptionsFromRequest(req mcp.CallToolRequest, status models.Status) store.CreateOptions {
	return store.CreateOptions{
		Status:                 status,
		Channel:                req.GetString("channel", ""),
		Target:                 req.GetString("target", ""),
		ServiceURL:             req.GetString("service_url", ""),
		Plan:                   req.GetString("plan", ""),
		SupervisorInstructions: req.GetString("supervisor_instructions", ""),
		AutoSupervise:          req.GetBool("auto_supervise", true),
		OnComplete:             req.GetString("on_complete", ""),
	}
}

func (s *Server) tasksPropose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	t, err := s.tasks.CreateTask(name, prompt, s.createOptionsFromRequest(req, models.StatusProposed))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{
		"task_id": t.ID,
		"status":  t.Status,
		"note":    "awaiting user approval; the user replies yes/no in chat",
	}), nil
}

func (s *Server) tasksApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if t.Status != models.StatusProposed {
		return mcp.NewToolResultError(fmt.Sprintf("task %s is %s, not proposed", taskID, t.Status)), nil
	}
	if err := s.tasks.UpdateStatus(taskID, models.StatusPending); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.pool.StartTask(taskID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"task_id": taskID, "status": "running"}), nil
}

func (s *Server) tasksCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	t, err := s.tasks.CreateTask(name, prompt, s.createOptionsFromRequest(req, models.StatusPending))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.pool.StartTask(t.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task %s created but dispatch failed: %v", t.ID, err)), nil
	}
	return jsonResult(map[string]interface{}{"task_id": t.ID, "status": "running"}), nil
}

// taskSummary is the compact listing shape.
type taskSummary struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Status  models.Status `json:"status"`
	Created string        `json:"created_at"`
	Updated string        `json:"updated_at"`
}

func summarize(t *models.Task) taskSummary {
	return taskSummary{
		ID:      t.ID,
		Name:    t.Name,
		Status:  t.Status,
		Created: t.CreatedAt.Format("2006-01-02 15:04:05"),
		Updated: t.UpdatedAt.Format("2006-01-02 15:04:05"),
	}
}

func (s *Server) tasksList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var active, terminal []taskSummary
	for _, t := range s.tasks.List() {
		if t.IsTerminal() {
			if len(terminal) < recentTerminalShown {
				terminal = append(terminal, summarize(t))
			}
			continue
		}
		active = append(active, summarize(t))
	}
	return jsonResult(map[string]interface{}{
		"active":          active,
		"recent_finished": terminal,
	}), nil
}

func (s *Server) tasksStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	timeline := make([]string, 0, len(t.Timeline))
	for _, e := range t.Timeline {
		timeline = append(timeline, fmt.Sprintf("%s  %-12s %s",
			e.Timestamp.Format("01-02 15:04:05"), e.Event, e.Summary))
	}
	return jsonResult(map[string]interface{}{
		"task":              t,
		"timeline":          timeline,
		"worker_running":    s.pool.WorkerRunning(taskID),
		"supervisor_active": s.pool.SupervisorActive(taskID),
		"inbox_pending":     len(t.InboxPending()),
	}), nil
}

func (s *Server) tasksLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.tasks.Get(taskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tail := req.GetInt("tail", 50)
	source := req.GetString("source", "combined")

	var lines []string
	switch source {
	case "worker":
		lines, err = fsutil.TailLines(filepath.Join(t.WorkDir, "worker.log"), tail)
	case "supervisor":
		lines, err = fsutil.TailLines(filepath.Join(t.WorkDir, "supervisor.log"), tail)
	case "activity":
		lines, err = fsutil.TailLines(filepath.Join(s.cfg.Paths.LogDir, "activity.log"), tail)
	case "events":
		entries, serr := stream.ForTask(t.WorkDir).Tail(tail)
		if serr != nil {
			return mcp.NewToolResultError(serr.Error()), nil
		}
		for _, e := range entries {
			lines = append(lines, fmt.Sprintf("%s [%s] %s(%s) -> %s",
				e.Timestamp.Format("15:04:05"), e.Role, e.Tool, e.ArgsSummary, e.ResultSummary))
		}
	case "combined":
		lines, err = s.tasks.ReadLog(taskID, tail)
		if err == nil && len(lines) == 0 {
			lines, err = fsutil.TailLines(filepath.Join(t.WorkDir, "worker.log"), tail)
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown log source %q", source)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(lines) == 0 {
		return mcp.NewToolResultText("(no log lines yet)"), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) tasksSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msgType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	t, err := s.tasks.Get(taskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// an instruction or redirect to a finished task resumes it
	if t.IsTerminal() && (msgType == models.MsgInstruction || msgType == models.MsgRedirect) {
		if err := s.resumeTerminalTask(t, content, req.GetString("supervisor_instructions", "")); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{"task_id": taskID, "resumed": true}), nil
	}

	from := models.TierOrchestrator
	if metaFrom(ctx).Role == "supervisor" {
		from = models.TierSupervisor
	}
	msg, err := s.tasks.SendMessage(taskID, msgType, content, from)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if msgType == models.MsgCancel {
		s.pool.StopTask(taskID)
	}
	return jsonResult(map[string]interface{}{"task_id": taskID, "msg_id": msg.ID, "delivered": true}), nil
}

// resumeTerminalTask rewrites the prompt as a continuation and re-dispatches
// through the standard start path.
func (s *Server) resumeTerminalTask(t *models.Task, content, supervisorInstructions string) error {
	s.pool.StopTask(t.ID)

	continuation := fmt.Sprintf(
		"CONTINUATION of '%s'. Original: %s\n--- NEW INSTRUCTIONS ---\n%s",
		t.Name, t.Prompt, content)
	err := s.tasks.Update(t.ID, func(tk *models.Task) error {
		tk.Prompt = continuation
		if supervisorInstructions != "" {
			tk.SupervisorInstructions = supervisorInstructions
		}
		tk.AppendTimeline("resumed", "terminal task resumed with new instructions", content)
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.tasks.UpdateStatus(t.ID, models.StatusPending); err != nil {
		return err
	}
	return s.pool.StartTask(t.ID)
}

func (s *Server) tasksCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.tasks.SendMessage(taskID, models.MsgCancel, "cancelled via tasks_cancel", models.TierOrchestrator); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.pool.StopTask(taskID)
	return jsonResult(map[string]interface{}{"task_id": taskID, "status": "cancelled"}), nil
}

func (s *Server) tasksClearAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	for _, t := range s.tasks.List() {
		s.pool.StopTask(t.ID)
	}
	n, err := s.tasks.ClearAll()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("removed %d tasks", n)), nil
}
