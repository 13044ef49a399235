package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to paused", StatusRunning, StatusPaused, true},
		{"paused to running", StatusPaused, StatusRunning, true},
		{"proposed to pending", StatusProposed, StatusPending, true},
		{"proposed to running", StatusProposed, StatusRunning, false},
		{"pending to paused", StatusPending, StatusPaused, false},
		{"completed to pending resumes", StatusCompleted, StatusPending, true},
		{"failed to running resumes", StatusFailed, StatusRunning, true},
		{"completed to failed", StatusCompleted, StatusFailed, false},
		{"self transition", StatusRunning, StatusRunning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidateTransition(t *testing.T) {
	task := NewTask("demo", "do things", StatusPending)

	assert.NoError(t, task.ValidateTransition(StatusRunning))
	assert.Error(t, task.ValidateTransition(StatusPaused))
	assert.Error(t, task.ValidateTransition(Status("bogus")))
	// rejected validation leaves the task untouched
	assert.Equal(t, StatusPending, task.Status)
}

func TestTaskRoundTrip(t *testing.T) {
	task := NewTask("roundtrip", "prompt text", StatusRunning)
	task.Channel = "telegram"
	task.Target = "12345"
	task.RetryCount = 2
	task.AppendTimeline("checkpoint", "halfway", "details here")
	task.Outbox = append(task.Outbox,
		NewTaskMessage(DirectionDown, MsgInstruction, TierOrchestrator, "go faster", "", ""),
		NewTaskMessage(DirectionUp, ReportProgress, TierWorker, "going faster", "", ""),
	)

	data, err := json.Marshal(task)
	require.NoError(t, err)

	var got Task
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Status, got.Status)
	assert.Equal(t, task.Channel, got.Channel)
	assert.Equal(t, task.RetryCount, got.RetryCount)
	require.Len(t, got.Timeline, 1)
	assert.Equal(t, "checkpoint", got.Timeline[0].Event)
	require.Len(t, got.Outbox, 2)
	assert.Equal(t, MsgInstruction, got.Outbox[0].Type)
	assert.Equal(t, ReportProgress, got.Outbox[1].Type)
}

func TestInboxPending(t *testing.T) {
	task := NewTask("inbox", "p", StatusRunning)
	down := NewTaskMessage(DirectionDown, MsgInput, TierUser, "answer is 42", "", "")
	up := NewTaskMessage(DirectionUp, ReportProgress, TierWorker, "working", "", "")
	acked := NewTaskMessage(DirectionDown, MsgInstruction, TierOrchestrator, "old news", "", "")
	acked.Acknowledged = true
	task.Outbox = append(task.Outbox, down, up, acked)

	pending := task.InboxPending()
	require.Len(t, pending, 1)
	assert.Equal(t, down.ID, pending[0].ID)
}

func TestIdleSince(t *testing.T) {
	task := NewTask("idle", "p", StatusRunning)
	base := task.UpdatedAt

	assert.False(t, task.IdleSince().Before(task.CreatedAt))

	later := base.Add(5 * time.Minute)
	task.LastWorkerActivityAt = &later
	assert.Equal(t, later, task.IdleSince())

	evenLater := later.Add(time.Minute)
	task.WatchdogLastActionAt = &evenLater
	assert.Equal(t, evenLater, task.IdleSince())
}

func TestTimelineEvent(t *testing.T) {
	assert.Equal(t, "checkpoint", TimelineEvent(ReportProgress))
	assert.Equal(t, "supervised", TimelineEvent(ReportAssessment))
	assert.Equal(t, "intervened", TimelineEvent(ReportIntervention))
	assert.Equal(t, "completed", TimelineEvent(ReportCompleted))
}
