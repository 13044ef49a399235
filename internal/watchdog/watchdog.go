// Package watchdog detects stalled workers. It escalates in stages: a
// warning instruction into the task inbox, then a worker restart, then a
// needs_input escalation to the operator. Worker activity de-escalates the
// state again (handled by the task store on every worker tool call).
package watchdog

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/store"
)

// minInterval bounds how often the sweep may run.
const minInterval = 5 * time.Second

// Pool is the slice of the worker pool the watchdog drives.
type Pool interface {
	StartTask(taskID string) error
	StopTask(taskID string)
	WorkerRunning(taskID string) bool
}

// Watchdog periodically sweeps running tasks for inactivity.
type Watchdog struct {
	tasks  *store.Manager
	pool   Pool
	cfg    config.WatchdogConfig
	logger *logger.Logger

	interval time.Duration
	now      func() time.Time
	stop     chan struct{}
	done     chan struct{}
}

// New builds a watchdog from the configured thresholds (all in seconds).
func New(tasks *store.Manager, pool Pool, cfg config.WatchdogConfig, log *logger.Logger) *Watchdog {
	interval := time.Duration(cfg.Interval) * time.Second
	if interval < minInterval {
		interval = minInterval
	}
	return &Watchdog{
		tasks:    tasks,
		pool:     pool,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "watchdog")),
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Watchdog) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.Sweep()
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

// Sweep examines every running task once.
func (w *Watchdog) Sweep() {
	now := w.now().UTC()
	for _, t := range w.tasks.List() {
		if t.Status != models.StatusRunning || t.CompletionDeferred {
			continue
		}
		idle := now.Sub(t.IdleSince())
		if idle <= time.Duration(w.cfg.Grace)*time.Second {
			continue
		}
		w.examine(t, idle, now)
	}
}

func (w *Watchdog) examine(t *models.Task, idle time.Duration, now time.Time) {
	warnAfter := time.Duration(w.cfg.WarnAfter) * time.Second
	restartAfter := time.Duration(w.cfg.RestartAfter) * time.Second

	if !w.pool.WorkerRunning(t.ID) {
		// the task says running but no process backs it
		if idle > restartAfter && !t.RetryPending && t.WatchdogState != models.WatchdogNeedsInput {
			w.logger.Warn("worker process gone, asking the operator",
				zap.String("task_id", t.ID), zap.Duration("idle", idle))
			w.markAction(t.ID, models.WatchdogNeedsInput, now,
				"worker process is not running", "")
			if err := w.tasks.RequestRetry(t.ID, "worker process exited without reporting"); err != nil {
				w.logger.Error("retry request failed", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
		return
	}

	switch t.WatchdogState {
	case models.WatchdogNone, "":
		if idle <= warnAfter {
			return
		}
		w.logger.Warn("idle worker warned", zap.String("task_id", t.ID), zap.Duration("idle", idle))
		if _, err := w.tasks.SendMessage(t.ID, models.MsgInstruction,
			"watchdog notice: no activity detected for a while; report progress with task_report "+
				"or continue working", models.TierSystem); err != nil {
			w.logger.Error("warning delivery failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		w.markAction(t.ID, models.WatchdogWarned, now, "warned after inactivity",
			fmt.Sprintf("idle %s", idle.Round(time.Second)))

	case models.WatchdogWarned:
		if idle <= restartAfter {
			return
		}
		if t.WatchdogRestartCount >= w.cfg.MaxRestarts {
			w.escalate(t, now, idle)
			return
		}
		w.restartWorker(t, now, idle)

	case models.WatchdogRestarted:
		if idle <= restartAfter {
			return
		}
		if t.WatchdogRestartCount >= w.cfg.MaxRestarts {
			w.escalate(t, now, idle)
			return
		}
		w.restartWorker(t, now, idle)
	}
}

// restartWorker bounces the worker through the standard start path, which
// resumes the previous agent session.
func (w *Watchdog) restartWorker(t *models.Task, now time.Time, idle time.Duration) {
	w.logger.Warn("restarting idle worker",
		zap.String("task_id", t.ID),
		zap.Int("restart_count", t.WatchdogRestartCount+1),
		zap.Duration("idle", idle))

	w.pool.StopTask(t.ID)
	err := w.tasks.Update(t.ID, func(tk *models.Task) error {
		tk.WatchdogState = models.WatchdogRestarted
		tk.WatchdogRestartCount++
		ts := now
		tk.WatchdogLastActionAt = &ts
		tk.AppendTimeline("watchdog", "worker restarted after inactivity",
			fmt.Sprintf("idle %s, restart %d of %d",
				idle.Round(time.Second), tk.WatchdogRestartCount, w.cfg.MaxRestarts))
		return nil
	})
	if err != nil {
		w.logger.Error("watchdog state update failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	if err := w.pool.StartTask(t.ID); err != nil {
		w.logger.Error("watchdog restart failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// escalate reports needs_input after restarts did not help.
func (w *Watchdog) escalate(t *models.Task, now time.Time, idle time.Duration) {
	w.logger.Error("worker still inactive after restarts, escalating",
		zap.String("task_id", t.ID), zap.Int("restarts", t.WatchdogRestartCount))

	w.markAction(t.ID, models.WatchdogNeedsInput, now, "escalated after restart attempts",
		fmt.Sprintf("idle %s after %d restarts", idle.Round(time.Second), t.WatchdogRestartCount))
	if _, err := w.tasks.HandleReport(t.ID, models.ReportNeedsInput,
		fmt.Sprintf("worker still inactive after %d restart attempts", t.WatchdogRestartCount),
		"the watchdog gave up restarting; tell me how to proceed", "", models.TierSystem); err != nil {
		w.logger.Error("escalation report failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (w *Watchdog) markAction(taskID string, state models.WatchdogState, now time.Time, summary, detail string) {
	err := w.tasks.Update(taskID, func(tk *models.Task) error {
		tk.WatchdogState = state
		ts := now
		tk.WatchdogLastActionAt = &ts
		tk.AppendTimeline("watchdog", summary, detail)
		return nil
	})
	if err != nil {
		w.logger.Error("watchdog state update failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
