package toolserver

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/agent/runner"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// runOnCompleteHook hands a finished task back to the orchestrator agent so
// it can chain follow-up work. Any reply is forwarded to the task's chat.
func (s *Server) runOnCompleteHook(t *models.Task, reason, summary, detail string) {
	if s.runner == nil {
		return
	}
	if t.OnComplete == "" && t.Channel == "" {
		return
	}

	prompt := buildHookPrompt(t, reason, summary, detail)
	res, err := s.runner.Invoke(context.Background(), runner.Options{
		Prompt: prompt,
		LogTag: "hook:" + t.ID,
	})
	if err != nil {
		s.logger.Error("on-complete hook failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	reply := strings.TrimSpace(res.Output)
	if reply == "" || t.Channel == "" || t.Target == "" {
		return
	}
	err = s.bus.Publish(context.Background(), events.NotifyUser,
		bus.NewEvent(events.NotifyUser, "toolserver", map[string]interface{}{
			"channel":     t.Channel,
			"target":      t.Target,
			"service_url": t.ServiceURL,
			"text":        reply,
			"task_id":     t.ID,
		}))
	if err != nil {
		s.logger.Error("hook reply delivery failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func buildHookPrompt(t *models.Task, reason, summary, detail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[TASK COMPLETE] task '%s' has %s.\n", t.Name, reason)
	if summary != "" {
		fmt.Fprintf(&b, "Completion summary: %s\n", summary)
	}
	if detail != "" {
		fmt.Fprintf(&b, "Completion detail: %s\n", detail)
	}
	fmt.Fprintf(&b, "Original task prompt: %s\n", t.Prompt)
	if t.OnComplete != "" {
		fmt.Fprintf(&b, "Hook instruction: %s\n", t.OnComplete)
	}
	b.WriteString("You may use tasks_create for follow-up work without user approval. " +
		"If nothing needs to happen, reply with a short status message for the user.")
	return b.String()
}
