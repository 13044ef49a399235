package watchdog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/store"
)

type fakePool struct {
	started       []string
	stopped       []string
	workerRunning bool
}

func (f *fakePool) StartTask(taskID string) error {
	f.started = append(f.started, taskID)
	return nil
}
func (f *fakePool) StopTask(taskID string) { f.stopped = append(f.stopped, taskID) }
func (f *fakePool) WorkerRunning(string) bool {
	return f.workerRunning
}

type fixture struct {
	wd    *Watchdog
	tasks *store.Manager
	pool  *fakePool
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()
	tasks, err := store.NewManager(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "tasks"), nil, log)
	require.NoError(t, err)

	pool := &fakePool{workerRunning: true}
	wd := New(tasks, pool, config.WatchdogConfig{
		Interval:     60,
		Grace:        60,
		WarnAfter:    300,
		RestartAfter: 600,
		MaxRestarts:  2,
	}, log)

	f := &fixture{wd: wd, tasks: tasks, pool: pool, clock: time.Now().UTC()}
	wd.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) runningTask(t *testing.T) *models.Task {
	t.Helper()
	task, err := f.tasks.CreateTask("sweep-"+t.Name(), "work", store.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(task.ID, models.StatusRunning))
	return task
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func TestFreshTaskUntouched(t *testing.T) {
	f := newFixture(t)
	task := f.runningTask(t)

	f.advance(30 * time.Second)
	f.wd.Sweep()

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WatchdogNone, got.WatchdogState)
	assert.Empty(t, got.InboxPending())
}

func TestWarnAfterInactivity(t *testing.T) {
	f := newFixture(t)
	task := f.runningTask(t)

	f.advance(6 * time.Minute)
	f.wd.Sweep()

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WatchdogWarned, got.WatchdogState)

	inbox := got.InboxPending()
	require.Len(t, inbox, 1)
	assert.Equal(t, models.MsgInstruction, inbox[0].Type)
	assert.Contains(t, inbox[0].Content, "watchdog notice")

	// a second sweep in the warned stage does not re-warn
	f.advance(time.Minute)
	f.wd.Sweep()
	got, _ = f.tasks.Get(task.ID)
	assert.Len(t, got.InboxPending(), 1)
}

func TestRestartAfterWarning(t *testing.T) {
	f := newFixture(t)
	task := f.runningTask(t)

	f.advance(6 * time.Minute)
	f.wd.Sweep() // warn

	f.advance(11 * time.Minute)
	f.wd.Sweep() // restart

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WatchdogRestarted, got.WatchdogState)
	assert.Equal(t, 1, got.WatchdogRestartCount)
	assert.Equal(t, []string{task.ID}, f.pool.stopped)
	assert.Equal(t, []string{task.ID}, f.pool.started)
}

func TestEscalateAfterMaxRestarts(t *testing.T) {
	f := newFixture(t)
	task := f.runningTask(t)

	f.advance(6 * time.Minute)
	f.wd.Sweep() // warn
	for i := 0; i < 2; i++ {
		f.advance(11 * time.Minute)
		f.wd.Sweep() // restarts 1 and 2
	}
	f.advance(11 * time.Minute)
	f.wd.Sweep() // out of restarts

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WatchdogNeedsInput, got.WatchdogState)
	assert.Equal(t, 2, got.WatchdogRestartCount)
	assert.Equal(t, models.StatusNeedsInput, got.Status)
	assert.Len(t, f.pool.started, 2)
}

func TestDeadWorkerAsksForRetry(t *testing.T) {
	f := newFixture(t)
	f.pool.workerRunning = false
	task := f.runningTask(t)

	f.advance(11 * time.Minute)
	f.wd.Sweep()

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.True(t, got.RetryPending)
	assert.Equal(t, models.StatusNeedsInput, got.Status)
	assert.Empty(t, f.pool.started)

	// repeated sweeps do not stack retry requests
	f.advance(time.Minute)
	f.wd.Sweep()
	got, _ = f.tasks.Get(task.ID)
	assert.True(t, got.RetryPending)
}

func TestDeferredTaskSkipped(t *testing.T) {
	f := newFixture(t)
	task := f.runningTask(t)
	require.NoError(t, f.tasks.Update(task.ID, func(tk *models.Task) error {
		tk.CompletionDeferred = true
		return nil
	}))

	f.advance(time.Hour)
	f.wd.Sweep()

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WatchdogNone, got.WatchdogState)
}

func TestActivityDeescalatesWarning(t *testing.T) {
	f := newFixture(t)
	task := f.runningTask(t)

	f.advance(6 * time.Minute)
	f.wd.Sweep()
	got, _ := f.tasks.Get(task.ID)
	require.Equal(t, models.WatchdogWarned, got.WatchdogState)

	f.tasks.TouchWorkerActivity(task.ID)

	got, err := f.tasks.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WatchdogNone, got.WatchdogState)
}
