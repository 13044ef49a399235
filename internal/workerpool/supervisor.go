package workerpool

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/agent/runner"
	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/mcpregistry"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// workerStuckAfter is the idle span past which a check prompt suggests the
// worker may be stuck.
const workerStuckAfter = 5 * time.Minute

// taskView gives the supervisor a read of current task state without
// coupling it to the store implementation.
type taskView func(taskID string) (*models.Task, bool)

// workerView reports whether the task's worker subprocess is alive.
type workerView func(taskID string) bool

// Supervisor re-invokes a verification agent each time it is kicked. The
// loop is event-driven; nothing happens between kicks.
type Supervisor struct {
	taskID        string
	prompt        string
	instructions  string
	taskDir       string
	checkInterval time.Duration
	agentTimeout  time.Duration

	runner    *runner.Runner
	logger    *logger.Logger
	taskState taskView
	workerUp  workerView

	rootWorkspace string
	publicURL     string
	registry      *mcpregistry.Registry
	logDir        string

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	sessionID string
	prepared  bool
}

// Start launches the supervisor loop.
func (s *Supervisor) Start(workerSessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.kick = make(chan struct{}, 1)
	s.done = make(chan struct{})
	go s.loop(ctx, workerSessionID)
}

// Kick requests one check cycle. Coalesces if a check is already queued.
func (s *Supervisor) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Stop terminates any in-flight check and ends the loop.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-time.After(15 * time.Second):
			s.logger.Warn("supervisor did not exit in time", zap.String("task_id", s.taskID))
		}
	}
}

// SessionID returns the supervisor's resume id, once known.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Supervisor) loop(ctx context.Context, workerSessionID string) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if err := s.runCheck(ctx, workerSessionID); err != nil && ctx.Err() == nil {
				s.logger.Error("supervisor check failed",
					zap.String("task_id", s.taskID), zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) runCheck(ctx context.Context, workerSessionID string) error {
	dir := filepath.Join(s.taskDir, "supervisor")
	if err := s.prepare(dir, workerSessionID); err != nil {
		return err
	}

	prompt := s.triggerPrompt()
	centralLog := filepath.Join(s.logDir, "workers", s.taskID, "supervisor.log")
	res, err := s.runner.Invoke(ctx, runner.Options{
		Prompt:   prompt,
		ResumeID: s.SessionID(),
		WorkDir:  dir,
		AddDirs:  []string{s.rootWorkspace, s.taskDir},
		LogPath:  filepath.Join(s.taskDir, "supervisor.log"),
		LogTag:   "supervisor:" + s.taskID,
		Timeout:  s.checkTimeout(),
		OnLine: func(line string) {
			_ = fsutil.AppendLine(centralLog, line)
		},
	})
	if res != nil && res.SessionID != "" {
		s.mu.Lock()
		s.sessionID = res.SessionID
		s.mu.Unlock()
	}
	return err
}

// checkTimeout bounds one check at min(agent timeout, check interval), so a
// hung check can neither outlive the operator's timeout nor miss the next
// cadence.
func (s *Supervisor) checkTimeout() time.Duration {
	timeout := s.checkInterval
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if s.agentTimeout > 0 && s.agentTimeout < timeout {
		timeout = s.agentTimeout
	}
	return timeout
}

// prepare writes the supervisor's directory on first use: instructions, MCP
// config with role=supervisor, and a link to the worker's workspace.
func (s *Supervisor) prepare(dir, workerSessionID string) error {
	s.mu.Lock()
	already := s.prepared
	s.mu.Unlock()
	if already {
		return nil
	}

	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	if err := writeSupervisorInstructions(dir, s.taskID, workerSessionID, s.prompt, s.instructions); err != nil {
		return err
	}
	if err := writeMCPConfig(dir, s.publicURL, s.taskID, "supervisor", s.registry); err != nil {
		return err
	}

	workerWorkspace := filepath.Join(s.taskDir, "workspace")
	link := filepath.Join(dir, "workers-workspace")
	if err := fsutil.LinkDirAs(workerWorkspace, link); err != nil {
		s.logger.Warn("could not link worker workspace", zap.String("task_id", s.taskID), zap.Error(err))
	}

	s.mu.Lock()
	s.prepared = true
	s.mu.Unlock()
	return nil
}

// triggerPrompt builds the check prompt from current task state.
func (s *Supervisor) triggerPrompt() string {
	t, ok := s.taskState(s.taskID)
	if !ok {
		return "Check on your task. Read the event stream and worker logs, then report an assessment."
	}
	workerRunning := s.workerUp(s.taskID)

	switch {
	case t.CompletionDeferred && !workerRunning:
		return "URGENT: the worker reported completion and has exited. Verify the deliverables now " +
			"and report either completed or failed with task_report. You must finalize this task."
	case t.CompletionDeferred:
		return "The worker reported completion and is waiting for verification. Verify the " +
			"deliverables against the original task and report your assessment."
	case !workerRunning && t.Status == models.StatusRunning:
		return "The worker has exited but the task is still marked running. Investigate what was " +
			"delivered and finalize: report completed or failed."
	case workerRunning && time.Since(t.IdleSince()) > workerStuckAfter:
		return fmt.Sprintf("The worker has shown no activity for %d minutes and may be stuck. "+
			"Review its recent output; intervene with task_send_input if needed, then report.",
			int(time.Since(t.IdleSince()).Minutes()))
	default:
		return "Routine check: review the worker's recent activity through task_read_peer and the " +
			"event stream, then report a brief assessment."
	}
}
