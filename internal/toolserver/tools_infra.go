package toolserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/mcpregistry"
	"github.com/dispatchd/dispatchd/internal/scheduler"
)

func (s *Server) registerInfraTools() {
	s.addTool(mcp.NewTool("jobs_schedule",
		mcp.WithDescription("Schedule a one-shot or recurring job. run_at is RFC 3339; cron_expr is a standard 5-field cron expression for recurring jobs."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Human-readable job name")),
		mcp.WithString("run_at", mcp.Description("First run time, RFC 3339. Defaults to now for cron jobs.")),
		mcp.WithString("cron_expr", mcp.Description("Optional 5-field cron expression")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Message to deliver when the job fires")),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Delivery channel (telegram, slack, whatsapp, teams, signal)")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Chat or user id to deliver to")),
		mcp.WithString("service_url", mcp.Description("Teams reply endpoint; required for teams")),
	), s.jobsSchedule)

	s.addTool(mcp.NewTool("jobs_list",
		mcp.WithDescription("List scheduled jobs, soonest first."),
	), s.jobsList)

	s.addTool(mcp.NewTool("jobs_cancel",
		mcp.WithDescription("Cancel a scheduled job."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id to cancel")),
	), s.jobsCancel)

	s.addTool(mcp.NewTool("jobs_runs",
		mcp.WithDescription("Show the job run log."),
		mcp.WithString("job_id", mcp.Description("Filter by job id")),
		mcp.WithNumber("limit", mcp.Description("Max records, newest last (default 20)")),
	), s.jobsRuns)

	s.addTool(mcp.NewTool("jobs_clear_all",
		mcp.WithDescription("Remove every scheduled job."),
	), s.jobsClearAll)

	s.addTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to a user over any configured channel."),
		mcp.WithString("channel", mcp.Required(), mcp.Description("telegram, slack, whatsapp, teams or signal")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Chat or user id")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("service_url", mcp.Description("Teams reply endpoint")),
	), s.sendMessage)

	s.addTool(mcp.NewTool("files_read",
		mcp.WithDescription("Read a file. Relative paths resolve under the data directory."),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path")),
	), s.filesRead)

	s.addTool(mcp.NewTool("files_write",
		mcp.WithDescription("Write a file. Relative paths resolve under the data directory; absolute paths outside it are allowed but flagged."),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
	), s.filesWrite)

	s.addTool(mcp.NewTool("audit_read",
		mcp.WithDescription("Read the most recent audit-trail entries."),
		mcp.WithNumber("limit", mcp.Description("Max entries (default 20)")),
	), s.auditRead)

	s.addTool(mcp.NewTool("mcp_server_add",
		mcp.WithDescription("Register an external tool server; it becomes visible to all future workers."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Server name")),
		mcp.WithString("url", mcp.Description("HTTP endpoint")),
		mcp.WithString("command", mcp.Description("Local command to launch the server")),
	), s.mcpServerAdd)

	s.addTool(mcp.NewTool("mcp_server_list",
		mcp.WithDescription("List registered external tool servers."),
	), s.mcpServerList)

	s.addTool(mcp.NewTool("mcp_server_remove",
		mcp.WithDescription("Remove a registered external tool server."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Server name")),
	), s.mcpServerRemove)

	s.addTool(mcp.NewTool("app_restart",
		mcp.WithDescription("Restart the orchestrator process. In-flight tasks are marked for recovery."),
		mcp.WithString("reason", mcp.Description("Why the restart is needed")),
	), s.appRestart)
}

func (s *Server) jobsSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	channel, err := req.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cronExpr := req.GetString("cron_expr", "")

	runAt := time.Now().UTC()
	if raw := req.GetString("run_at", ""); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid run_at: %v", err)), nil
		}
		runAt = parsed
	} else if cronExpr == "" {
		return mcp.NewToolResultError("one-shot jobs require run_at"), nil
	}

	payload := map[string]interface{}{
		"type":    scheduler.PayloadDeliverable,
		"prompt":  prompt,
		"channel": channel,
		"target":  target,
	}
	if su := req.GetString("service_url", ""); su != "" {
		payload["service_url"] = su
	}

	job, err := s.sched.Schedule(name, runAt, payload, cronExpr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(job), nil
}

func (s *Server) jobsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sched.List()), nil
}

func (s *Server) jobsCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.sched.Cancel(jobID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("job %s cancelled", jobID)), nil
}

func (s *Server) jobsRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	runs, err := s.sched.ListRuns(req.GetString("job_id", ""), limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(runs), nil
}

func (s *Server) jobsClearAll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n, err := s.sched.ClearAll()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("removed %d jobs", n)), nil
}

func (s *Server) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	channel, err := req.RequireString("channel")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	err = s.bus.Publish(ctx, events.NotifyUser, bus.NewEvent(events.NotifyUser, "toolserver", map[string]interface{}{
		"channel":     channel,
		"target":      target,
		"text":        text,
		"service_url": req.GetString("service_url", ""),
	}))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delivery failed: %v", err)), nil
	}
	return mcp.NewToolResultText("message queued"), nil
}

// resolvePath maps relative paths under the data dir.
func (s *Server) resolvePath(path string) (resolved string, outside bool) {
	if !filepath.IsAbs(path) {
		return filepath.Join(s.cfg.Paths.DataDir, path), false
	}
	rel, err := filepath.Rel(s.cfg.Paths.DataDir, path)
	return path, err != nil || strings.HasPrefix(rel, "..")
}

func (s *Server) filesRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resolved, _ := s.resolvePath(path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read %s: %v", resolved, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) filesWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resolved, outside := s.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("write %s: %v", resolved, err)), nil
	}
	msg := fmt.Sprintf("wrote %d bytes to %s", len(content), resolved)
	if outside {
		msg += " (warning: outside the data directory)"
		s.logger.Warn("files_write outside data dir", zap.String("path", resolved))
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) auditRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.auditLog.Tail(req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries), nil
}

func (s *Server) mcpServerAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entry := mcpregistry.Server{
		URL:     req.GetString("url", ""),
		Command: req.GetString("command", ""),
	}
	if err := s.registry.Add(name, entry); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("tool server %q registered", name)), nil
}

func (s *Server) mcpServerList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.registry.All()), nil
}

func (s *Server) mcpServerRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.registry.Remove(name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("tool server %q removed", name)), nil
}

func (s *Server) appRestart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.restart == nil {
		return mcp.NewToolResultError("restart is not supported in this deployment"), nil
	}
	reason := req.GetString("reason", "requested via app_restart")
	s.logger.Warn("restart requested", zap.String("reason", reason))
	go s.restart(reason)
	return mcp.NewToolResultText("restarting"), nil
}
