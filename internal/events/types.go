// Package events defines the bus subjects used across dispatchd.
package events

// Task lifecycle subjects.
const (
	TaskCreated      = "task.created"
	TaskStateChanged = "task.state_changed"
	TaskReport       = "task.report"
	TaskMessage      = "task.message"
)

// NotifyUser carries operator-facing notifications. The gateway subscribes
// and delivers through the originating chat channel.
const NotifyUser = "notify.user"

// NotifyPayload is the data shape published on NotifyUser.
type NotifyPayload struct {
	Channel    string `json:"channel"`
	Target     string `json:"target"`
	ServiceURL string `json:"service_url,omitempty"`
	Text       string `json:"text"`
	TaskID     string `json:"task_id,omitempty"`
}
