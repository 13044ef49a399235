// Package router turns normalized chat messages into actions: slash
// commands, contextual yes/no replies, and free text forwarded to the
// orchestrator agent.
package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/agent/runner"
	"github.com/dispatchd/dispatchd/internal/audit"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/pairing"
	"github.com/dispatchd/dispatchd/internal/policy"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/internal/session"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/store"
)

// Response statuses.
const (
	StatusOK       = "ok"
	StatusDenied   = "denied"
	StatusPairing  = "pairing"
	StatusIgnored  = "ignored"
	StatusRejected = "rejected"
)

// execTimeout bounds /exec commands.
const execTimeout = 60 * time.Second

// ChatRequest is one normalized inbound message.
type ChatRequest struct {
	Channel    string
	SenderID   string
	ChatID     string
	Text       string
	ServiceURL string
}

// ChatResponse is the reply to deliver back over the channel.
type ChatResponse struct {
	Text   string
	Status string
}

// TaskStarter is the slice of the worker pool the router drives.
type TaskStarter interface {
	StartTask(taskID string) error
	StopTask(taskID string)
}

// Router handles inbound chat traffic.
type Router struct {
	tasks    *store.Manager
	sessions *session.Store
	pairing  *pairing.Store
	sched    *scheduler.Scheduler
	policy   *policy.Policy
	auditLog *audit.Log
	runner   *runner.Runner
	pool     TaskStarter
	cfg      *config.Config
	restart  func(reason string)
	logger   *logger.Logger

	orchestratorLog string
}

// New wires the router. restart may be nil when restarting is unsupported.
func New(tasks *store.Manager, sessions *session.Store, pair *pairing.Store,
	sched *scheduler.Scheduler, pol *policy.Policy, auditLog *audit.Log,
	run *runner.Runner, pool TaskStarter, cfg *config.Config,
	restart func(reason string), log *logger.Logger) *Router {

	return &Router{
		tasks:           tasks,
		sessions:        sessions,
		pairing:         pair,
		sched:           sched,
		policy:          pol,
		auditLog:        auditLog,
		runner:          run,
		pool:            pool,
		cfg:             cfg,
		restart:         restart,
		logger:          log.WithFields(zap.String("component", "router")),
		orchestratorLog: filepath.Join(cfg.Paths.LogDir, "orchestrator.log"),
	}
}

var (
	pingRe     = regexp.MustCompile(`(?i)\bping back in (\d+) seconds?\b`)
	affirmRe   = regexp.MustCompile(`(?i)^\s*(yes|resume|👍)\s*$`)
	denyRe     = regexp.MustCompile(`(?i)^\s*(no|👎)\s*$`)
	pairCodeRe = regexp.MustCompile(`^\d{6}$`)
)

// systemReminder is appended to every free-text prompt so the orchestrator
// behaves inside a chat turn.
const systemReminder = "\n\nSYSTEM REMINDER: use tasks_propose for any non-trivial work " +
	"and wait for user approval. Never cancel tasks unless explicitly asked. " +
	"Never run blocking or interactive commands. Respond once, then stop."

// Handle processes one inbound message and returns the reply.
func (r *Router) Handle(ctx context.Context, req ChatRequest) ChatResponse {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return ChatResponse{Status: StatusIgnored}
	}

	r.auditLog.Append(audit.Entry{
		Kind:    "chat_in",
		Channel: req.Channel,
		Sender:  req.SenderID,
		Summary: clip(text, 200),
	})

	if strings.HasPrefix(text, "/") {
		return r.handleCommand(ctx, req, text)
	}

	if m := pingRe.FindStringSubmatch(text); m != nil {
		return r.schedulePing(req, m[1])
	}

	if !r.pairing.IsAuthorized(req.Channel, req.SenderID) {
		return r.handleUnauthorized(req, text)
	}

	if affirmRe.MatchString(text) || denyRe.MatchString(text) {
		if resp, handled := r.handleContextualReply(req, affirmRe.MatchString(text)); handled {
			return resp
		}
	}

	return r.handleFreeText(ctx, req, text)
}

// handleUnauthorized runs the pairing flow for unknown senders.
func (r *Router) handleUnauthorized(req ChatRequest, text string) ChatResponse {
	if pairCodeRe.MatchString(text) {
		if _, _, err := r.pairing.Redeem(text); err == nil {
			return ChatResponse{
				Text:   "Paired. You can talk to the orchestrator now; send /help for commands.",
				Status: StatusOK,
			}
		}
		return ChatResponse{Text: "That pairing code is unknown or expired.", Status: StatusDenied}
	}

	code, err := r.pairing.RequestCode(req.Channel, req.SenderID)
	if err != nil {
		r.logger.Error("pairing code generation failed", zap.Error(err))
		return ChatResponse{Text: "You are not authorized to use this bot.", Status: StatusDenied}
	}
	r.logger.Info("pairing code issued",
		zap.String("channel", req.Channel),
		zap.String("sender", req.SenderID),
		zap.String("code", code))
	return ChatResponse{
		Text: fmt.Sprintf("You are not authorized (sender id %s). Reply with the 6-digit "+
			"pairing code printed in the server log, or add your id to %s.",
			req.SenderID, config.AllowFromEnvVar(req.Channel)),
		Status: StatusDenied,
	}
}

// schedulePing handles the "ping back in N seconds" shortcut.
func (r *Router) schedulePing(req ChatRequest, secondsStr string) ChatResponse {
	var seconds int
	fmt.Sscanf(secondsStr, "%d", &seconds)
	if seconds <= 0 {
		return ChatResponse{Text: "I need a positive number of seconds.", Status: StatusRejected}
	}

	runAt := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
	payload := map[string]interface{}{
		"type":    scheduler.PayloadDeliverable,
		"prompt":  "ping! (you asked me to ping you back)",
		"channel": req.Channel,
		"target":  req.ChatID,
	}
	if req.ServiceURL != "" {
		payload["service_url"] = req.ServiceURL
	}
	if _, err := r.sched.Schedule("chat ping", runAt, payload, ""); err != nil {
		return ChatResponse{Text: "Could not schedule the ping: " + err.Error(), Status: StatusRejected}
	}
	return ChatResponse{
		Text:   fmt.Sprintf("OK, I'll ping you back in %d seconds.", seconds),
		Status: StatusOK,
	}
}

// handleContextualReply resolves yes/no answers against, in precedence
// order, recovery-pending tasks, a pending retry, then a proposal.
func (r *Router) handleContextualReply(req ChatRequest, affirm bool) (ChatResponse, bool) {
	if pending := r.tasks.RecoveryPendingTasks(req.Channel, req.ChatID); len(pending) > 0 {
		return r.resolveRecovery(pending, affirm), true
	}

	if t := r.tasks.LatestPendingRetry(req.Channel, req.ChatID); t != nil {
		if affirm {
			if err := r.tasks.ApproveRetry(t.ID); err != nil {
				return ChatResponse{Text: "Retry failed: " + err.Error(), Status: StatusRejected}, true
			}
			if err := r.pool.StartTask(t.ID); err != nil {
				return ChatResponse{Text: "Retry dispatch failed: " + err.Error(), Status: StatusRejected}, true
			}
			return ChatResponse{Text: fmt.Sprintf("Retrying task '%s'.", t.Name), Status: StatusOK}, true
		}
		if err := r.tasks.DeclineRetry(t.ID); err != nil {
			return ChatResponse{Text: "Decline failed: " + err.Error(), Status: StatusRejected}, true
		}
		return ChatResponse{Text: fmt.Sprintf("Task '%s' marked failed.", t.Name), Status: StatusOK}, true
	}

	if t := r.tasks.LatestProposed(req.Channel, req.ChatID); t != nil {
		if affirm {
			if err := r.tasks.UpdateStatus(t.ID, models.StatusPending); err != nil {
				return ChatResponse{Text: "Approval failed: " + err.Error(), Status: StatusRejected}, true
			}
			if err := r.pool.StartTask(t.ID); err != nil {
				return ChatResponse{Text: "Dispatch failed: " + err.Error(), Status: StatusRejected}, true
			}
			return ChatResponse{Text: fmt.Sprintf("Task '%s' approved and started.", t.Name), Status: StatusOK}, true
		}
		if err := r.tasks.UpdateStatus(t.ID, models.StatusCancelled); err != nil {
			return ChatResponse{Text: "Cancel failed: " + err.Error(), Status: StatusRejected}, true
		}
		return ChatResponse{Text: fmt.Sprintf("Proposal '%s' discarded.", t.Name), Status: StatusOK}, true
	}

	// a bare yes/no with nothing pending falls through to the agent
	return ChatResponse{}, false
}

func (r *Router) resolveRecovery(pending []*models.Task, affirm bool) ChatResponse {
	var names []string
	for _, t := range pending {
		names = append(names, t.Name)
		if affirm {
			if err := r.tasks.ResolveRecovery(t.ID, true); err != nil {
				r.logger.Error("recovery resume failed", zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			if err := r.pool.StartTask(t.ID); err != nil {
				r.logger.Error("recovery dispatch failed", zap.String("task_id", t.ID), zap.Error(err))
			}
		} else {
			if err := r.tasks.ResolveRecovery(t.ID, false); err != nil {
				r.logger.Error("recovery cancel failed", zap.String("task_id", t.ID), zap.Error(err))
			}
			r.pool.StopTask(t.ID)
		}
	}
	if affirm {
		return ChatResponse{
			Text:   fmt.Sprintf("Resuming %d task(s): %s", len(names), strings.Join(names, ", ")),
			Status: StatusOK,
		}
	}
	return ChatResponse{
		Text:   fmt.Sprintf("Cancelled %d task(s): %s", len(names), strings.Join(names, ", ")),
		Status: StatusOK,
	}
}

// handleFreeText forwards the message to the orchestrator agent, resuming
// the sender's stored agent session.
func (r *Router) handleFreeText(ctx context.Context, req ChatRequest, text string) ChatResponse {
	sess, err := r.sessions.Upsert(req.Channel, req.SenderID)
	if err != nil {
		r.logger.Error("session upsert failed", zap.Error(err))
		return ChatResponse{Text: "Internal error, try again.", Status: StatusRejected}
	}
	key := sess.Key
	_ = r.sessions.AppendMessage(key, "user", text)

	res, err := r.runner.Invoke(ctx, runner.Options{
		Prompt:   text + systemReminder,
		ResumeID: r.sessions.AgentSessionID(key),
		WorkDir:  r.cfg.Paths.WorkspaceRoot,
		LogPath:  r.orchestratorLog,
		LogTag:   "chat:" + key,
	})
	if err != nil {
		// the runner already retried once without the resume id; drop the
		// stored id so the next turn starts clean
		_ = r.sessions.ClearAgentSessionID(key)
		r.logger.Error("orchestrator invocation failed", zap.String("session", key), zap.Error(err))
		if errors.Is(err, runner.ErrTimedOut) {
			return ChatResponse{Text: "The orchestrator timed out on that one.", Status: StatusRejected}
		}
		return ChatResponse{Text: "The orchestrator hit an error: " + clip(err.Error(), 300), Status: StatusRejected}
	}

	// persist the freshest interactive session id for the next turn
	if id, derr := r.runner.DiscoverLatestNonTaskSession(); derr == nil && id != "" &&
		id != r.sessions.AgentSessionID(key) {
		_ = r.sessions.SetAgentSessionID(key, id)
	}

	reply := strings.TrimSpace(res.Output)
	if reply == "" {
		reply = "(done)"
	}
	_ = r.sessions.AppendMessage(key, "assistant", reply)
	r.logger.Info("chat turn complete",
		zap.String("session", key),
		zap.Int("reply_len", len(reply)))
	return ChatResponse{Text: reply, Status: StatusOK}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
