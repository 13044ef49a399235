package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "tasks"), nil, logger.Default())
	require.NoError(t, err)
	return m
}

func TestCreateTask(t *testing.T) {
	m := newTestManager(t)

	task, err := m.CreateTask("build docs", "write the docs", CreateOptions{Channel: "telegram", Target: "42"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.Len(t, task.ID, 8)
	assert.DirExists(t, task.WorkDir)
	require.NotEmpty(t, task.Timeline)
	assert.Equal(t, "created", task.Timeline[0].Event)

	// active duplicate names are rejected
	_, err = m.CreateTask("Build Docs", "again", CreateOptions{})
	assert.ErrorIs(t, err, ErrDuplicateName)

	// terminal tasks free the name
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusCompleted))
	_, err = m.CreateTask("build docs", "again", CreateOptions{})
	assert.NoError(t, err)
}

func TestCreateTaskProposed(t *testing.T) {
	m := newTestManager(t)

	task, err := m.CreateTask("idea", "maybe do this", CreateOptions{Status: models.StatusProposed})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProposed, task.Status)

	_, err = m.CreateTask("bad", "p", CreateOptions{Status: models.StatusRunning})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	m, err := NewManager(path, filepath.Join(dir, "tasks"), nil, logger.Default())
	require.NoError(t, err)
	task, err := m.CreateTask("persist", "p", CreateOptions{})
	require.NoError(t, err)
	_, err = m.SendMessage(task.ID, models.MsgInstruction, "keep going", models.TierOrchestrator)
	require.NoError(t, err)

	// a fresh manager sees identical state
	m2, err := NewManager(path, filepath.Join(dir, "tasks"), nil, logger.Default())
	require.NoError(t, err)
	got, err := m2.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	require.Len(t, got.Outbox, 1)
	assert.Equal(t, "keep going", got.Outbox[0].Content)
}

func TestUpdateStatusRejectsInvalid(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("statuses", "p", CreateOptions{})
	require.NoError(t, err)

	err = m.UpdateStatus(task.ID, models.StatusPaused)
	assert.Error(t, err)

	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestHandleReportSideEffects(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("reporter", "p", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))

	_, err = m.HandleReport(task.ID, models.ReportProgress, "step one done", "", "", models.TierWorker)
	require.NoError(t, err)
	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, "checkpoint", got.Timeline[len(got.Timeline)-1].Event)

	_, err = m.HandleReport(task.ID, models.ReportCompleted, "all done", "", "", models.TierWorker)
	require.NoError(t, err)
	got, err = m.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// downward type through the report path is rejected
	_, err = m.HandleReport(task.ID, models.MsgPause, "x", "", "", models.TierWorker)
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestSendMessagePauseResumeCancel(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("pausable", "p", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))

	_, err = m.SendMessage(task.ID, models.MsgPause, "hold on", models.TierUser)
	require.NoError(t, err)
	got, _ := m.Get(task.ID)
	assert.Equal(t, models.StatusPaused, got.Status)

	_, err = m.SendMessage(task.ID, models.MsgResume, "continue", models.TierUser)
	require.NoError(t, err)
	got, _ = m.Get(task.ID)
	assert.Equal(t, models.StatusRunning, got.Status)

	_, err = m.SendMessage(task.ID, models.MsgCancel, "never mind", models.TierUser)
	require.NoError(t, err)
	got, _ = m.Get(task.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestCheckInboxAcknowledge(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("inboxed", "p", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))

	_, err = m.SendMessage(task.ID, models.MsgInstruction, "first", models.TierOrchestrator)
	require.NoError(t, err)
	_, err = m.SendMessage(task.ID, models.MsgInput, "second", models.TierUser)
	require.NoError(t, err)

	// peek leaves messages pending
	msgs, err := m.CheckInbox(task.ID, false)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	msgs, err = m.CheckInbox(task.ID, false)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// acknowledge drains, and is idempotent
	msgs, err = m.CheckInbox(task.ID, true)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	msgs, err = m.CheckInbox(task.ID, true)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// the history keeps everything
	got, err := m.Get(task.ID)
	require.NoError(t, err)
	assert.Len(t, got.Outbox, 2)
}

func TestCheckInboxTerminalTask(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("terminal", "p", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusCancelled))

	msgs, err := m.CheckInbox(task.ID, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgTerminate, msgs[0].Type)
	assert.Equal(t, models.TierSystem, msgs[0].FromTier)
}

func TestRetryFlow(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("retryable", "p", CreateOptions{Channel: "telegram", Target: "7"})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))

	require.NoError(t, m.RequestRetry(task.ID, "compiler exploded"))
	got, _ := m.Get(task.ID)
	assert.True(t, got.RetryPending)
	assert.Equal(t, models.StatusNeedsInput, got.Status)

	pending := m.LatestPendingRetry("telegram", "7")
	require.NotNil(t, pending)
	assert.Equal(t, task.ID, pending.ID)

	require.NoError(t, m.ApproveRetry(task.ID))
	got, _ = m.Get(task.ID)
	assert.False(t, got.RetryPending)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, models.StatusPending, got.Status)

	// nothing pending any more
	assert.Nil(t, m.LatestPendingRetry("telegram", "7"))
	assert.ErrorIs(t, m.ApproveRetry(task.ID), ErrNoRetryPending)
}

func TestDeclineRetry(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("declined", "p", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))
	require.NoError(t, m.RequestRetry(task.ID, "broken"))

	require.NoError(t, m.DeclineRetry(task.ID))
	got, _ := m.Get(task.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.False(t, got.RetryPending)
}

func TestRecoveryFlow(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("recoverable", "p", CreateOptions{Channel: "slack", Target: "C1"})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))

	stale := m.StaleActiveTasks()
	require.Len(t, stale, 1)

	require.NoError(t, m.MarkRecoveryPending(task.ID))
	assert.Empty(t, m.StaleActiveTasks())

	pending := m.RecoveryPendingTasks("slack", "C1")
	require.Len(t, pending, 1)
	assert.Equal(t, task.ID, pending[0].ID)

	require.NoError(t, m.ResolveRecovery(task.ID, true))
	got, _ := m.Get(task.ID)
	assert.False(t, got.RecoveryPending)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestResolveRecoveryCancel(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("abandoned", "p", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))
	require.NoError(t, m.MarkRecoveryPending(task.ID))

	require.NoError(t, m.ResolveRecovery(task.ID, false))
	got, _ := m.Get(task.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestLatestProposedPrefersChatMatch(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateTask("other chat", "p", CreateOptions{Status: models.StatusProposed, Channel: "slack", Target: "C9"})
	require.NoError(t, err)
	mine, err := m.CreateTask("my chat", "p", CreateOptions{Status: models.StatusProposed, Channel: "telegram", Target: "42"})
	require.NoError(t, err)

	got := m.LatestProposed("telegram", "42")
	require.NotNil(t, got)
	assert.Equal(t, mine.ID, got.ID)

	// unknown chat falls back to the most recent proposal anywhere
	assert.NotNil(t, m.LatestProposed("whatsapp", "999"))
}

func TestTaskLog(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("logged", "p", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.AppendLog(task.ID, "line one"))
	require.NoError(t, m.AppendLog(task.ID, "line two"))

	lines, err := m.ReadLog(task.ID, 1)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "line two", lines[0])
}

func TestNotificationPublished(t *testing.T) {
	dir := t.TempDir()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	var mu sync.Mutex
	var notified []string
	done := make(chan struct{}, 1)
	_, err := eventBus.Subscribe(events.NotifyUser, func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		notified = append(notified, e.Data["text"].(string))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	m, err := NewManager(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "tasks"), eventBus, logger.Default())
	require.NoError(t, err)
	task, err := m.CreateTask("noisy", "p", CreateOptions{Channel: "telegram", Target: "42"})
	require.NoError(t, err)
	require.NoError(t, m.UpdateStatus(task.ID, models.StatusRunning))

	_, err = m.HandleReport(task.ID, models.ReportCompleted, "shipped it", "", "", models.TierWorker)
	require.NoError(t, err)

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Contains(t, notified[0], "shipped it")
}

func TestClearAll(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateTask("one", "p", CreateOptions{})
	require.NoError(t, err)
	_, err = m.CreateTask("two", "p", CreateOptions{})
	require.NoError(t, err)

	n, err := m.ClearAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, m.List())
}

func TestTouchWorkerActivityClearsWatchdog(t *testing.T) {
	m := newTestManager(t)
	task, err := m.CreateTask("watched", "p", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Update(task.ID, func(tk *models.Task) error {
		tk.WatchdogState = models.WatchdogWarned
		return nil
	}))

	m.TouchWorkerActivity(task.ID)
	got, _ := m.Get(task.ID)
	assert.Equal(t, models.WatchdogNone, got.WatchdogState)
	assert.NotNil(t, got.LastWorkerActivityAt)
}
