package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/agent/runner"
	"github.com/dispatchd/dispatchd/internal/channels"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/internal/session"
	"github.com/dispatchd/dispatchd/internal/task/store"
	"github.com/dispatchd/dispatchd/internal/workerpool"
)

// readmeSeed is written when the workspace has no README yet, so the
// orchestrator always has something to anchor its first session on.
const readmeSeed = `# Workspace

This directory is managed by dispatchd. The orchestrator agent works here:
task workspaces live under tasks/, and anything else in this tree is shared
context for the agent.
`

// newDeliverer routes due scheduler jobs. Supervisor checks kick the pool,
// continuous ticks prompt the orchestrator, and deliverables are rendered
// by the orchestrator and sent over the requested channel.
func newDeliverer(pool *workerpool.Pool, run *runner.Runner, registry *channels.Registry,
	cfg *config.Config, log *logger.Logger) scheduler.Deliverer {

	orchestratorLog := filepath.Join(cfg.Paths.LogDir, "orchestrator.log")

	return scheduler.DelivererFunc(func(ctx context.Context, job *scheduler.ScheduledJob) error {
		str := func(key string) string {
			v, _ := job.Payload[key].(string)
			return v
		}

		switch str("type") {
		case scheduler.PayloadSupervisorCheck:
			pool.HandleSupervisorCheckJob(str("task_id"))
			return nil

		case scheduler.PayloadContinuousTick:
			prompt := str("prompt")
			if prompt == "" {
				prompt = "Scheduled tick: review active tasks and take any follow-up actions."
			}
			_, err := run.Invoke(ctx, runner.Options{
				Prompt:  prompt,
				WorkDir: cfg.Paths.WorkspaceRoot,
				LogPath: orchestratorLog,
				LogTag:  "job:" + job.ID,
			})
			return err

		default:
			// deliverable: render the prompt through the orchestrator when
			// no literal text is given, then send over the channel
			text := str("text")
			if text == "" {
				res, err := run.Invoke(ctx, runner.Options{
					Prompt:  str("prompt"),
					WorkDir: cfg.Paths.WorkspaceRoot,
					LogPath: orchestratorLog,
					LogTag:  "job:" + job.ID,
				})
				if err != nil {
					log.Warn("deliverable rendering failed, sending raw prompt",
						zap.String("job_id", job.ID), zap.Error(err))
					text = str("prompt")
				} else {
					text = strings.TrimSpace(res.Output)
				}
			}
			if text == "" {
				return nil
			}
			return registry.Deliver(ctx, str("channel"), channels.Message{
				Target:     str("target"),
				ServiceURL: str("service_url"),
				Text:       text,
			})
		}
	})
}

// bootstrap runs the asynchronous part of startup: seed the workspace
// README, greet the orchestrator to capture a resume session, notify the
// owner, then scan for tasks stranded by the previous process.
func bootstrap(ctx context.Context, cfg *config.Config, tasks *store.Manager,
	sessions *session.Store, run *runner.Runner, sched *scheduler.Scheduler,
	registry *channels.Registry, log *logger.Logger) {

	readmeStatus := seedReadme(cfg.Paths.WorkspaceRoot, log)
	sessionID := greetOrchestrator(ctx, cfg, sessions, run, log)

	owner := cfg.Channels.Telegram.OwnerID
	if owner != "" {
		notify := func(text string) {
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := registry.Deliver(sendCtx, "telegram", channels.Message{Target: owner, Text: text}); err != nil {
				log.Warn("owner notification failed", zap.Error(err))
			}
		}
		notify(bootSummary(cfg, tasks, sched, sessionID, readmeStatus))

		if msg := recoveryScan(tasks, log); msg != "" {
			notify(msg)
		}
	} else if stale := tasks.StaleActiveTasks(); len(stale) > 0 {
		// still mark them so the next authorized chat can resolve recovery
		_ = recoveryScan(tasks, log)
	}
}

// seedReadme writes the default README when none exists and reports which
// case applied.
func seedReadme(workspaceRoot string, log *logger.Logger) string {
	path := filepath.Join(workspaceRoot, "README.md")
	if _, err := os.Stat(path); err == nil {
		return "present"
	}
	if err := os.WriteFile(path, []byte(readmeSeed), 0o644); err != nil {
		log.Warn("failed to seed workspace README", zap.Error(err))
		return "missing"
	}
	return "seeded"
}

// greetOrchestrator runs a one-shot prompt with the README as context and
// stores the resulting session id as the owner chat's resume id.
func greetOrchestrator(ctx context.Context, cfg *config.Config,
	sessions *session.Store, run *runner.Runner, log *logger.Logger) string {

	readme, _ := os.ReadFile(filepath.Join(cfg.Paths.WorkspaceRoot, "README.md"))
	prompt := "You just started as the dispatchd orchestrator on this host. " +
		"Here is the workspace README:\n\n" + string(readme) +
		"\n\nAcknowledge briefly. Do not start any work."

	res, err := run.Invoke(ctx, runner.Options{
		Prompt:  prompt,
		WorkDir: cfg.Paths.WorkspaceRoot,
		LogPath: filepath.Join(cfg.Paths.LogDir, "orchestrator.log"),
		LogTag:  "boot",
	})
	if err != nil {
		log.Warn("orchestrator greeting failed", zap.Error(err))
		return ""
	}

	sessionID := res.SessionID
	if sessionID == "" {
		if id, err := run.DiscoverLatestNonTaskSession(); err == nil {
			sessionID = id
		}
	}
	if sessionID == "" {
		return ""
	}

	owner := cfg.Channels.Telegram.OwnerID
	if owner != "" {
		if sess, err := sessions.Upsert("telegram", owner); err == nil {
			if err := sessions.SetAgentSessionID(sess.Key, sessionID); err != nil {
				log.Warn("failed to store orchestrator session", zap.Error(err))
			}
		}
	}
	log.Info("orchestrator session captured", zap.String("session_id", sessionID))
	return sessionID
}

// bootSummary builds the owner's startup notification.
func bootSummary(cfg *config.Config, tasks *store.Manager, sched *scheduler.Scheduler,
	sessionID, readmeStatus string) string {

	host, _ := os.Hostname()

	var active int
	for _, t := range tasks.List() {
		if t.IsActive() {
			active++
		}
	}
	var pendingJobs int
	for _, j := range sched.List() {
		if j.Pending() {
			pendingJobs++
		}
	}

	var workspace []string
	if entries, err := os.ReadDir(cfg.Paths.WorkspaceRoot); err == nil {
		for _, e := range entries {
			workspace = append(workspace, e.Name())
			if len(workspace) >= 10 {
				workspace = append(workspace, "…")
				break
			}
		}
	}

	var b strings.Builder
	b.WriteString("dispatchd is up.\n")
	fmt.Fprintf(&b, "host: %s\n", host)
	if sessionID != "" {
		fmt.Fprintf(&b, "session: %s\n", sessionID)
	}
	fmt.Fprintf(&b, "mcp: %s\n", cfg.MCP.PublicURL)
	fmt.Fprintf(&b, "tasks active: %d, jobs pending: %d\n", active, pendingJobs)
	fmt.Fprintf(&b, "readme: %s\n", readmeStatus)
	fmt.Fprintf(&b, "agent timeout: %s\n", cfg.Agent.AgentTimeout())
	if len(workspace) > 0 {
		fmt.Fprintf(&b, "workspace: %s", strings.Join(workspace, ", "))
	}
	return b.String()
}

// recoveryScan marks tasks stranded by the previous process and returns the
// operator message, or "" when nothing is pending.
func recoveryScan(tasks *store.Manager, log *logger.Logger) string {
	stale := tasks.StaleActiveTasks()
	if len(stale) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d task(s) that were in progress before the restart:\n", len(stale))
	for _, t := range stale {
		if err := tasks.MarkRecoveryPending(t.ID); err != nil {
			log.Error("failed to mark recovery", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		fmt.Fprintf(&b, "- %s (%s, was %s)\n", t.Name, t.ID, t.Status)
	}
	b.WriteString("Reply yes to resume all or no to cancel all.")
	log.Info("stale tasks marked for recovery", zap.Int("count", len(stale)))
	return b.String()
}
