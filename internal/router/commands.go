package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/audit"
	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

const helpText = `Commands:
/whoami              your channel and sender id
/status              orchestrator status summary
/tasks               active and proposed tasks
/task <id>           one task in detail
/proposed            proposals awaiting approval
/logs <id>           recent log lines for a task
/jobs                scheduled jobs
/job <id>            one job in detail
/cancel <id>         cancel a task
/exec <cmd>          run a shell command (authorized senders)
/restart [reason]    restart the orchestrator (authorized senders)
/update [apply]      check for or apply an update (authorized senders)
/pair <code>         redeem a pairing code
/help                this text

Anything else goes to the orchestrator agent. Reply yes/no to proposals,
retries and recovery prompts.`

// handleCommand dispatches slash commands. Read-only commands work for
// anyone; mutating commands require authorization.
func (r *Router) handleCommand(ctx context.Context, req ChatRequest, text string) ChatResponse {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/help":
		return ChatResponse{Text: helpText, Status: StatusOK}
	case "/whoami":
		return r.cmdWhoami(req)
	case "/pair":
		if len(args) == 0 {
			return ChatResponse{Text: "Usage: /pair <code>", Status: StatusRejected}
		}
		return r.cmdPair(req, args[0])
	case "/status":
		return r.cmdStatus()
	case "/tasks":
		return r.cmdTasks(false)
	case "/proposed":
		return r.cmdTasks(true)
	case "/task":
		if len(args) == 0 {
			return ChatResponse{Text: "Usage: /task <id>", Status: StatusRejected}
		}
		return r.cmdTask(args[0])
	case "/logs":
		if len(args) == 0 {
			return ChatResponse{Text: "Usage: /logs <id>", Status: StatusRejected}
		}
		return r.cmdLogs(args[0])
	case "/jobs":
		return r.cmdJobs()
	case "/job":
		if len(args) == 0 {
			return ChatResponse{Text: "Usage: /job <id>", Status: StatusRejected}
		}
		return r.cmdJob(args[0])
	case "/cancel":
		if len(args) == 0 {
			return ChatResponse{Text: "Usage: /cancel <id>", Status: StatusRejected}
		}
		return r.requireAuth(req, func() ChatResponse { return r.cmdCancel(args[0]) })
	case "/exec":
		if len(args) == 0 {
			return ChatResponse{Text: "Usage: /exec <command>", Status: StatusRejected}
		}
		return r.requireAuth(req, func() ChatResponse {
			return r.cmdExec(ctx, req, strings.TrimSpace(strings.TrimPrefix(text, fields[0])))
		})
	case "/restart":
		reason := "requested via /restart"
		if len(args) > 0 {
			reason = strings.Join(args, " ")
		}
		return r.requireAuth(req, func() ChatResponse { return r.cmdRestart(reason) })
	case "/update":
		apply := len(args) > 0 && strings.EqualFold(args[0], "apply")
		return r.requireAuth(req, func() ChatResponse { return r.cmdUpdate(ctx, apply) })
	default:
		return ChatResponse{Text: "Unknown command. Send /help.", Status: StatusRejected}
	}
}

func (r *Router) requireAuth(req ChatRequest, run func() ChatResponse) ChatResponse {
	if !r.pairing.IsAuthorized(req.Channel, req.SenderID) {
		return ChatResponse{Text: "You are not authorized for that command.", Status: StatusDenied}
	}
	return run()
}

func (r *Router) cmdWhoami(req ChatRequest) ChatResponse {
	return ChatResponse{
		Text: fmt.Sprintf("channel: %s\nsender: %s\nchat: %s\nauthorized: %v",
			req.Channel, req.SenderID, req.ChatID,
			r.pairing.IsAuthorized(req.Channel, req.SenderID)),
		Status: StatusOK,
	}
}

func (r *Router) cmdPair(req ChatRequest, code string) ChatResponse {
	if _, _, err := r.pairing.Redeem(code); err != nil {
		return ChatResponse{Text: "That pairing code is unknown or expired.", Status: StatusDenied}
	}
	return ChatResponse{Text: "Paired. Send /help for commands.", Status: StatusOK}
}

func (r *Router) cmdStatus() ChatResponse {
	var active, proposed, terminal int
	for _, t := range r.tasks.List() {
		switch {
		case t.Status == models.StatusProposed:
			proposed++
		case t.IsTerminal():
			terminal++
		default:
			active++
		}
	}
	var pendingJobs int
	for _, j := range r.sched.List() {
		if j.Pending() {
			pendingJobs++
		}
	}
	host, _ := os.Hostname()
	return ChatResponse{
		Text: fmt.Sprintf("host: %s\ntasks: %d active, %d proposed, %d finished\njobs: %d pending\nworkspace: %s",
			host, active, proposed, terminal, pendingJobs, r.cfg.Paths.WorkspaceRoot),
		Status: StatusOK,
	}
}

func (r *Router) cmdTasks(proposedOnly bool) ChatResponse {
	tasks := r.tasks.List()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	var b strings.Builder
	for _, t := range tasks {
		if proposedOnly && t.Status != models.StatusProposed {
			continue
		}
		if !proposedOnly && t.IsTerminal() {
			continue
		}
		fmt.Fprintf(&b, "%s  [%s]  %s\n", t.ID, t.Status, t.Name)
	}
	if b.Len() == 0 {
		if proposedOnly {
			return ChatResponse{Text: "No proposals waiting.", Status: StatusOK}
		}
		return ChatResponse{Text: "No active tasks.", Status: StatusOK}
	}
	return ChatResponse{Text: strings.TrimRight(b.String(), "\n"), Status: StatusOK}
}

func (r *Router) cmdTask(id string) ChatResponse {
	t, err := r.tasks.Get(id)
	if err != nil {
		return ChatResponse{Text: err.Error(), Status: StatusRejected}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  [%s]  %s\n", t.ID, t.Status, t.Name)
	fmt.Fprintf(&b, "created: %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.Plan != "" {
		fmt.Fprintf(&b, "plan: %s\n", clip(t.Plan, 300))
	}
	fmt.Fprintf(&b, "prompt: %s\n", clip(t.Prompt, 300))
	n := len(t.Timeline)
	start := n - 5
	if start < 0 {
		start = 0
	}
	for _, e := range t.Timeline[start:] {
		fmt.Fprintf(&b, "  %s %s: %s\n", e.Timestamp.Format("01-02 15:04"), e.Event, clip(e.Summary, 120))
	}
	return ChatResponse{Text: strings.TrimRight(b.String(), "\n"), Status: StatusOK}
}

func (r *Router) cmdLogs(id string) ChatResponse {
	lines, err := r.tasks.ReadLog(id, 20)
	if err != nil {
		return ChatResponse{Text: err.Error(), Status: StatusRejected}
	}
	if len(lines) == 0 {
		return ChatResponse{Text: "(no log lines yet)", Status: StatusOK}
	}
	return ChatResponse{Text: strings.Join(lines, "\n"), Status: StatusOK}
}

func (r *Router) cmdJobs() ChatResponse {
	var b strings.Builder
	for _, j := range r.sched.List() {
		if !j.Pending() {
			continue
		}
		fmt.Fprintf(&b, "%s  %s  next %s", j.ID, j.Name, j.RunAt.Local().Format("01-02 15:04:05"))
		if j.CronExpr != "" {
			fmt.Fprintf(&b, "  (cron %s)", j.CronExpr)
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return ChatResponse{Text: "No scheduled jobs.", Status: StatusOK}
	}
	return ChatResponse{Text: strings.TrimRight(b.String(), "\n"), Status: StatusOK}
}

func (r *Router) cmdJob(id string) ChatResponse {
	j, err := r.sched.Get(id)
	if err != nil {
		return ChatResponse{Text: err.Error(), Status: StatusRejected}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\nrun_at: %s\ncancelled: %v\n", j.ID, j.Name, j.RunAt.Format(time.RFC3339), j.Cancelled)
	if j.CronExpr != "" {
		fmt.Fprintf(&b, "cron: %s\n", j.CronExpr)
	}
	for k, v := range j.Payload {
		fmt.Fprintf(&b, "payload.%s: %v\n", k, v)
	}
	return ChatResponse{Text: strings.TrimRight(b.String(), "\n"), Status: StatusOK}
}

func (r *Router) cmdCancel(id string) ChatResponse {
	if _, err := r.tasks.SendMessage(id, models.MsgCancel, "cancelled via /cancel", models.TierOrchestrator); err != nil {
		return ChatResponse{Text: err.Error(), Status: StatusRejected}
	}
	r.pool.StopTask(id)
	return ChatResponse{Text: fmt.Sprintf("Task %s cancelled.", id), Status: StatusOK}
}

func (r *Router) cmdExec(ctx context.Context, req ChatRequest, cmd string) ChatResponse {
	r.auditLog.Append(audit.Entry{
		Kind:    "exec",
		Channel: req.Channel,
		Sender:  req.SenderID,
		Summary: clip(cmd, 200),
	})
	_ = fsutil.AppendLine(filepath.Join(r.cfg.Paths.LogDir, "commands.log"),
		fmt.Sprintf("%s %s:%s %s", time.Now().UTC().Format(time.RFC3339), req.Channel, req.SenderID, cmd))
	out, err := r.policy.RunCommand(ctx, cmd, execTimeout, r.cfg.Paths.WorkspaceRoot)
	if err != nil {
		msg := err.Error()
		if out != "" {
			msg += "\n" + clip(out, 1000)
		}
		return ChatResponse{Text: msg, Status: StatusRejected}
	}
	if strings.TrimSpace(out) == "" {
		out = "(no output)"
	}
	return ChatResponse{Text: clip(out, 3000), Status: StatusOK}
}

func (r *Router) cmdRestart(reason string) ChatResponse {
	if r.restart == nil {
		return ChatResponse{Text: "Restart is not supported in this deployment.", Status: StatusRejected}
	}
	r.logger.Warn("restart requested via chat", zap.String("reason", reason))
	go r.restart(reason)
	return ChatResponse{Text: "Restarting...", Status: StatusOK}
}

// cmdUpdate checks the orchestrator's own git checkout for upstream
// changes, applying them with a fast-forward pull when asked.
func (r *Router) cmdUpdate(ctx context.Context, apply bool) ChatResponse {
	dir := r.cfg.Paths.WorkspaceRoot
	if !apply {
		out, err := r.policy.RunCommand(ctx, "git fetch --quiet && git status -uno", execTimeout, dir)
		if err != nil {
			return ChatResponse{Text: "Update check failed: " + err.Error(), Status: StatusRejected}
		}
		if strings.Contains(out, "behind") {
			return ChatResponse{Text: "An update is available. Send /update apply to install it.", Status: StatusOK}
		}
		return ChatResponse{Text: "Already up to date.", Status: StatusOK}
	}

	out, err := r.policy.RunCommand(ctx, "git pull --ff-only", execTimeout, dir)
	if err != nil {
		return ChatResponse{Text: "Update failed: " + err.Error() + "\n" + clip(out, 500), Status: StatusRejected}
	}
	resp := ChatResponse{Text: "Updated:\n" + clip(out, 1000), Status: StatusOK}
	if r.restart != nil {
		resp.Text += "\nRestarting to pick up the new version..."
		go r.restart("update applied")
	}
	return resp
}
