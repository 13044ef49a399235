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
)

// workspaceSyncInterval is the cadence of the bidirectional link sync.
const workspaceSyncInterval = 30 * time.Second

// CompletionFunc receives the worker's final output once its subprocess
// exits. err is nil on a clean exit.
type CompletionFunc func(taskID, output string, err error)

// Worker owns one agent subprocess working on one task.
type Worker struct {
	taskID   string
	prompt   string
	taskDir  string
	resumeID string

	runner     *runner.Runner
	logger     *logger.Logger
	onLine     func(string)
	onComplete CompletionFunc

	rootWorkspace string
	publicURL     string
	registry      *mcpregistry.Registry
	logDir        string
	addDirs       []string

	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	running        bool
	finalSessionID string
}

// Start launches the worker goroutine. The workspace is prepared before the
// subprocess spawns; preparation failures surface through onComplete.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.setRunning(true)
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.setRunning(false)

	workspace := filepath.Join(w.taskDir, "workspace")
	if err := w.prepareWorkspace(workspace); err != nil {
		w.logger.Error("workspace preparation failed", zap.String("task_id", w.taskID), zap.Error(err))
		w.onComplete(w.taskID, fmt.Sprintf("UNEXPECTED ERROR: %v", err), err)
		return
	}

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	go w.syncLoop(syncCtx, workspace)

	workerLog := filepath.Join(w.taskDir, "worker.log")
	centralLog := filepath.Join(w.logDir, "workers", w.taskID, "worker.log")
	activityLog := filepath.Join(w.logDir, "activity.log")

	res, err := w.runner.Invoke(ctx, runner.Options{
		Prompt:   w.prompt,
		ResumeID: w.resumeID,
		WorkDir:  workspace,
		AddDirs:  append([]string{w.rootWorkspace, w.taskDir}, w.addDirs...),
		LogPath:  workerLog,
		LogTag:   "worker:" + w.taskID,
		OnLine: func(line string) {
			_ = fsutil.AppendLine(centralLog, line)
			_ = fsutil.AppendLine(activityLog, fmt.Sprintf("[worker %s] %s", w.taskID, line))
			if w.onLine != nil {
				w.onLine(line)
			}
		},
	})

	output := ""
	if res != nil {
		output = res.Output
		w.mu.Lock()
		w.finalSessionID = res.SessionID
		w.mu.Unlock()
	}
	if err != nil {
		w.onComplete(w.taskID, fmt.Sprintf("ERROR: %v", err), err)
		return
	}
	w.onComplete(w.taskID, output, nil)
}

func (w *Worker) prepareWorkspace(workspace string) error {
	if err := fsutil.EnsureDir(workspace); err != nil {
		return err
	}
	if err := linkRootEntries(w.rootWorkspace, workspace); err != nil {
		return err
	}
	if err := writeWorkerInstructions(workspace, w.taskID, w.prompt, w.rootWorkspace); err != nil {
		return err
	}
	return writeMCPConfig(workspace, w.publicURL, w.taskID, "worker", w.registry)
}

func (w *Worker) syncLoop(ctx context.Context, workspace string) {
	ticker := time.NewTicker(workspaceSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := syncWorkspace(w.rootWorkspace, workspace); err != nil {
				w.logger.Warn("workspace sync failed", zap.String("task_id", w.taskID), zap.Error(err))
			}
		}
	}
}

// Stop kills the subprocess tree and waits for the goroutine to wind down.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		select {
		case <-w.done:
		case <-time.After(15 * time.Second):
			w.logger.Warn("worker did not exit in time", zap.String("task_id", w.taskID))
		}
	}
}

// Running reports whether the subprocess goroutine is alive.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// SessionID returns the worker's final agent session id, once known.
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalSessionID
}

func (w *Worker) setRunning(v bool) {
	w.mu.Lock()
	w.running = v
	w.mu.Unlock()
}
