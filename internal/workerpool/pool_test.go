package workerpool

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/agent/runner"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/mcpregistry"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/store"
)

type poolFixture struct {
	pool  *Pool
	tasks *store.Manager
	sched *scheduler.Scheduler
}

// newPoolFixture wires a pool around a fake agent script.
func newPoolFixture(t *testing.T, agentScript string) *poolFixture {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	tasks, err := store.NewManager(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "tasks"), nil, log)
	require.NoError(t, err)
	sched, err := scheduler.New(filepath.Join(dir, "jobs.json"), filepath.Join(dir, "job-runs.jsonl"), log)
	require.NoError(t, err)
	reg, err := mcpregistry.New(filepath.Join(dir, "mcp-servers.json"))
	require.NoError(t, err)

	sessions := filepath.Join(dir, "sessions")
	require.NoError(t, os.MkdirAll(sessions, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessions, "sess-1.json"), []byte("{}"), 0o644))

	root := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# ws"), 0o644))

	run := runner.New(config.AgentConfig{
		Binary:     agentScript,
		SessionDir: sessions,
		Timeout:    30,
	}, filepath.Join(dir, "tasks"), log)

	cfg := &config.Config{}
	cfg.Paths.WorkspaceRoot = root
	cfg.Paths.LogDir = filepath.Join(dir, "logs")
	cfg.MCP.PublicURL = "http://127.0.0.1:8765"
	cfg.Supervisor.CheckInterval = 300

	return &poolFixture{
		pool:  New(tasks, sched, run, reg, cfg, log),
		tasks: tasks,
		sched: sched,
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestStartWorkerRunsToCompletion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX test scripts")
	}
	f := newPoolFixture(t, writeScript(t, "echo done\n"))
	task, err := f.tasks.CreateTask("scripted", "run the script", store.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(task.ID, models.StatusRunning))

	var mu sync.Mutex
	var gotOutput string
	done := make(chan struct{})
	err = f.pool.StartWorker(task.ID, task.Prompt, "", func(id, output string, runErr error) {
		mu.Lock()
		gotOutput = output
		mu.Unlock()
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never completed")
	}
	mu.Lock()
	assert.Contains(t, gotOutput, "done")
	mu.Unlock()

	// workspace was prepared
	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	ws := filepath.Join(got.WorkDir, "workspace")
	assert.FileExists(t, filepath.Join(ws, ".github", "copilot-instructions.md"))
	assert.FileExists(t, filepath.Join(ws, mcpConfigFile))
	assert.FileExists(t, filepath.Join(ws, "README.md"))
}

func TestStartWorkerRejectsDuplicate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX test scripts")
	}
	f := newPoolFixture(t, writeScript(t, "sleep 5\n"))
	task, err := f.tasks.CreateTask("busy", "p", store.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(task.ID, models.StatusRunning))

	require.NoError(t, f.pool.StartWorker(task.ID, "p", "", func(string, string, error) {}))
	err = f.pool.StartWorker(task.ID, "p", "", func(string, string, error) {})
	assert.ErrorIs(t, err, ErrWorkerRunning)

	f.pool.StopTask(task.ID)
}

func TestDefaultCompletionRecordsExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX test scripts")
	}
	f := newPoolFixture(t, writeScript(t, "echo finished\n"))
	task, err := f.tasks.CreateTask("recorded", "p", store.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(task.ID, models.StatusRunning))

	require.NoError(t, f.pool.StartWorker(task.ID, "p", "", nil))
	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(task.ID)
		return err == nil && got.WorkerExitedAt != nil
	}, 10*time.Second, 50*time.Millisecond)

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	last := got.Timeline[len(got.Timeline)-1]
	assert.Equal(t, "worker_exited", last.Event)
	assert.Equal(t, "sess-1", got.WorkerSessionID)
}

func TestWorkerErrorRequestsRetry(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX test scripts")
	}
	f := newPoolFixture(t, writeScript(t, "echo boom\nexit 3\n"))
	task, err := f.tasks.CreateTask("failing", "p", store.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(task.ID, models.StatusRunning))

	require.NoError(t, f.pool.StartWorker(task.ID, "p", "", nil))
	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(task.ID)
		return err == nil && got.RetryPending
	}, 10*time.Second, 50*time.Millisecond)

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsInput, got.Status)
	assert.Contains(t, got.RetryReason, "worker failed")
}

func TestStopTaskCancelsSupervisorJobs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX test scripts")
	}
	f := newPoolFixture(t, writeScript(t, "echo ok\n"))
	task, err := f.tasks.CreateTask("supervised", "p", store.CreateOptions{AutoSupervise: true, CheckInterval: 60})
	require.NoError(t, err)

	require.NoError(t, f.pool.StartTask(task.ID))
	require.NotNil(t, f.pool.GetSupervisor(task.ID))
	assert.NotEmpty(t, f.sched.List())

	f.pool.StopTask(task.ID)
	assert.Nil(t, f.pool.GetSupervisor(task.ID))
	for _, j := range f.sched.List() {
		assert.False(t, j.Pending(), "supervisor job %s should be cancelled", j.ID)
	}
}

func TestPoolStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX test scripts")
	}
	f := newPoolFixture(t, writeScript(t, "sleep 5\n"))
	task, err := f.tasks.CreateTask("introspect", "p", store.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(task.ID, models.StatusRunning))
	require.NoError(t, f.pool.StartWorker(task.ID, "p", "", func(string, string, error) {}))

	require.Eventually(t, func() bool { return f.pool.ActiveCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	st := f.pool.Status()
	require.Contains(t, st, task.ID)
	assert.True(t, st[task.ID]["worker"])

	f.pool.StopAll()
	assert.Equal(t, 0, f.pool.ActiveCount())
}
