package toolserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/audit"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/mcpregistry"
	"github.com/dispatchd/dispatchd/internal/policy"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/store"
)

// fakePool records runtime calls without spawning processes.
type fakePool struct {
	mu            sync.Mutex
	started       []string
	stopped       []string
	checks        []string
	workerRunning bool
	supervisor    bool
}

func (f *fakePool) StartTask(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, taskID)
	return nil
}
func (f *fakePool) StopTask(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, taskID)
}
func (f *fakePool) WorkerRunning(string) bool    { return f.workerRunning }
func (f *fakePool) SupervisorActive(string) bool { return f.supervisor }
func (f *fakePool) RequestSupervisorCheck(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, taskID)
}
func (f *fakePool) StartWorkerWithPrompt(taskID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, taskID+":"+prompt)
	return nil
}

type fixture struct {
	server *Server
	tasks  *store.Manager
	pool   *fakePool
	sched  *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	tasks, err := store.NewManager(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "tasks"), nil, log)
	require.NoError(t, err)
	sched, err := scheduler.New(filepath.Join(dir, "jobs.json"), filepath.Join(dir, "job-runs.jsonl"), log)
	require.NoError(t, err)
	reg, err := mcpregistry.New(filepath.Join(dir, "mcp-servers.json"))
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.LogDir = filepath.Join(dir, "logs")

	pool := &fakePool{}
	s := New(tasks, pool, sched, reg,
		policy.New(config.PolicyConfig{AllowAll: true}, log),
		audit.New(filepath.Join(dir, "audit.jsonl")),
		bus.NewMemoryEventBus(log), nil, cfg, nil, log)
	s.finalizeDelay = 50 * time.Millisecond
	return &fixture{server: s, tasks: tasks, pool: pool, sched: sched}
}

func newReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func taggedCtx(taskID, role string) context.Context {
	return context.WithValue(context.Background(), metaKey{}, callMeta{TaskID: taskID, Role: role})
}

func runningTask(t *testing.T, f *fixture, opts store.CreateOptions) *models.Task {
	t.Helper()
	task, err := f.tasks.CreateTask("task-"+t.Name(), "do something", opts)
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(task.ID, models.StatusRunning))
	return task
}

func TestTagFromURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp?task_id=abc123&role=worker", nil)
	ctx := tagFromURL(context.Background(), r)
	meta := metaFrom(ctx)
	assert.Equal(t, "abc123", meta.TaskID)
	assert.Equal(t, "worker", meta.Role)

	assert.Equal(t, callMeta{}, metaFrom(context.Background()))
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.MCP.Token = "secret"
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := f.server.authMiddleware(inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("X-MCP-Token", "secret")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTasksProposeAndApprove(t *testing.T) {
	f := newFixture(t)

	res, err := f.server.tasksPropose(context.Background(), newReq(map[string]any{
		"name": "write docs", "prompt": "write the docs", "channel": "telegram", "target": "42",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(res), "awaiting user approval")

	proposed := f.tasks.LatestProposed("telegram", "42")
	require.NotNil(t, proposed)

	// duplicate names are refused while the first is alive
	res, err = f.server.tasksPropose(context.Background(), newReq(map[string]any{
		"name": "write docs", "prompt": "again",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = f.server.tasksApprove(context.Background(), newReq(map[string]any{"task_id": proposed.ID}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, []string{proposed.ID}, f.pool.started)

	// approving twice fails: no longer proposed
	res, err = f.server.tasksApprove(context.Background(), newReq(map[string]any{"task_id": proposed.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDeferredCompletion(t *testing.T) {
	f := newFixture(t)
	f.pool.supervisor = true
	f.pool.workerRunning = true
	task := runningTask(t, f, store.CreateOptions{AutoSupervise: true})

	res, err := f.server.taskReport(taggedCtx(task.ID, "worker"), newReq(map[string]any{
		"type": "completed", "summary": "all done", "detail": "everything works",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(res), "deferred")

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.True(t, got.CompletionDeferred)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, "all done", got.DeferredSummary)
	assert.Equal(t, []string{task.ID}, f.pool.checks)
}

func TestSupervisorPositiveAssessmentFinalizes(t *testing.T) {
	f := newFixture(t)
	f.pool.supervisor = true
	f.pool.workerRunning = true
	task := runningTask(t, f, store.CreateOptions{AutoSupervise: true})

	_, err := f.server.taskReport(taggedCtx(task.ID, "worker"), newReq(map[string]any{
		"type": "completed", "summary": "built the site",
	}))
	require.NoError(t, err)

	f.pool.workerRunning = false
	res, err := f.server.taskReport(taggedCtx(task.ID, "supervisor"), newReq(map[string]any{
		"type": "assessment", "summary": "verified the deliverables, looks good",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(res), "finalized")

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.False(t, got.CompletionDeferred)
	assert.Equal(t, 0, got.SupervisorAssessments)
	assert.Contains(t, f.pool.stopped, task.ID)
}

func TestSupervisorNegativeAssessmentBlocksFinalization(t *testing.T) {
	f := newFixture(t)
	f.pool.supervisor = true
	f.pool.workerRunning = true
	task := runningTask(t, f, store.CreateOptions{AutoSupervise: true})

	_, err := f.server.taskReport(taggedCtx(task.ID, "worker"), newReq(map[string]any{
		"type": "completed", "summary": "built it",
	}))
	require.NoError(t, err)

	f.pool.workerRunning = false
	res, err := f.server.taskReport(taggedCtx(task.ID, "supervisor"), newReq(map[string]any{
		"type": "assessment", "summary": "the output file is incomplete and the tests failed",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.True(t, got.CompletionDeferred)
	assert.NotEqual(t, models.StatusCompleted, got.Status)
}

func TestStuckAssessmentRule(t *testing.T) {
	f := newFixture(t)
	f.pool.supervisor = true
	f.pool.workerRunning = true
	task := runningTask(t, f, store.CreateOptions{AutoSupervise: true})

	_, err := f.server.taskReport(taggedCtx(task.ID, "worker"), newReq(map[string]any{
		"type": "completed", "summary": "built it",
	}))
	require.NoError(t, err)

	// two neutral assessments with a dead worker trip the stuck rule
	f.pool.workerRunning = false
	neutral := map[string]any{"type": "assessment", "summary": "still reviewing the diff"}
	res, err := f.server.taskReport(taggedCtx(task.ID, "supervisor"), newReq(neutral))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), `"finalized": false`)

	res, err = f.server.taskReport(taggedCtx(task.ID, "supervisor"), newReq(neutral))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), "finalized")

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestAutoFinalizeWatchdog(t *testing.T) {
	f := newFixture(t)
	f.pool.supervisor = true
	f.pool.workerRunning = true
	task := runningTask(t, f, store.CreateOptions{AutoSupervise: true})

	_, err := f.server.taskReport(taggedCtx(task.ID, "worker"), newReq(map[string]any{
		"type": "completed", "summary": "finished",
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.tasks.Get(task.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 2*time.Second, 20*time.Millisecond)

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.False(t, got.CompletionDeferred)
	var sawWatchdog bool
	for _, e := range got.Timeline {
		if strings.Contains(strings.ToLower(e.Summary), "watchdog") {
			sawWatchdog = true
		}
	}
	assert.True(t, sawWatchdog)
}

func TestTasksSendAutoResume(t *testing.T) {
	f := newFixture(t)
	task := runningTask(t, f, store.CreateOptions{})
	require.NoError(t, f.tasks.UpdateStatus(task.ID, models.StatusCompleted))

	res, err := f.server.tasksSend(context.Background(), newReq(map[string]any{
		"task_id": task.ID, "type": "instruction", "content": "also add tests",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(res), `"resumed": true`)

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Prompt, "CONTINUATION of")
	assert.Contains(t, got.Prompt, "also add tests")
	assert.Contains(t, f.pool.started, task.ID)
	assert.Contains(t, f.pool.stopped, task.ID)
}

func TestTasksSendPauseGoesToInbox(t *testing.T) {
	f := newFixture(t)
	task := runningTask(t, f, store.CreateOptions{})

	res, err := f.server.tasksSend(context.Background(), newReq(map[string]any{
		"task_id": task.ID, "type": "pause", "content": "hold on",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, got.Status)
}

func TestTaskCheckInboxTerminal(t *testing.T) {
	f := newFixture(t)
	task := runningTask(t, f, store.CreateOptions{})
	require.NoError(t, f.tasks.UpdateStatus(task.ID, models.StatusCancelled))

	res, err := f.server.taskCheckInbox(taggedCtx(task.ID, "worker"), newReq(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), "terminate")
}

func TestTaskSendInputRedispatchesDeadWorker(t *testing.T) {
	f := newFixture(t)
	f.pool.workerRunning = false
	task := runningTask(t, f, store.CreateOptions{})

	res, err := f.server.taskSendInput(taggedCtx(task.ID, "supervisor"), newReq(map[string]any{
		"content": "fix the header layout",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(res), "new_worker")

	require.Len(t, f.pool.started, 1)
	assert.Contains(t, f.pool.started[0], "SUPERVISOR FEEDBACK")

	// role guard
	res, err = f.server.taskSendInput(taggedCtx(task.ID, "worker"), newReq(map[string]any{"content": "x"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestJobsTools(t *testing.T) {
	f := newFixture(t)

	res, err := f.server.jobsSchedule(context.Background(), newReq(map[string]any{
		"name": "reminder", "run_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		"prompt": "ping", "channel": "telegram", "target": "42",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	jobs := f.sched.List()
	require.Len(t, jobs, 1)

	res, err = f.server.jobsCancel(context.Background(), newReq(map[string]any{"job_id": jobs[0].ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	// one-shot without run_at is rejected
	res, err = f.server.jobsSchedule(context.Background(), newReq(map[string]any{
		"name": "bad", "prompt": "p", "channel": "telegram", "target": "42",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestFilesTools(t *testing.T) {
	f := newFixture(t)

	res, err := f.server.filesWrite(context.Background(), newReq(map[string]any{
		"path": "notes/hello.txt", "content": "hi there",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = f.server.filesRead(context.Background(), newReq(map[string]any{
		"path": "notes/hello.txt",
	}))
	require.NoError(t, err)
	assert.Equal(t, "hi there", resultText(res))

	// writes outside the data dir carry a warning
	outside := filepath.Join(t.TempDir(), "out.txt")
	res, err = f.server.filesWrite(context.Background(), newReq(map[string]any{
		"path": outside, "content": "x",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), "warning")
}

func TestMCPServerRegistryTools(t *testing.T) {
	f := newFixture(t)

	res, err := f.server.mcpServerAdd(context.Background(), newReq(map[string]any{
		"name": "weather", "url": "http://example.com/mcp",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = f.server.mcpServerList(context.Background(), newReq(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), "weather")

	res, err = f.server.mcpServerRemove(context.Background(), newReq(map[string]any{"name": "weather"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = f.server.mcpServerRemove(context.Background(), newReq(map[string]any{"name": "weather"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
