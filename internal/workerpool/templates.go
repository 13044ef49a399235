package workerpool

import (
	"fmt"
	"path/filepath"

	"github.com/dispatchd/dispatchd/internal/common/fsutil"
)

const workerInstructions = `# Worker instructions

You are a worker agent executing one task for the dispatchd orchestrator.

Task id: %s
Workspace root: %s

## Your task

%s

## Ground rules

1. Start by reading README.md to understand the workspace. Pick an existing
   project subfolder if one fits, otherwise create a new one.
2. Never run interactive or blocking commands: no "npm start" without
   backgrounding, no "git commit" without -m, no editors, no watch modes.
3. Report progress with the task_report tool (type "progress") at meaningful
   checkpoints, and call task_check_inbox periodically so instructions from
   the orchestrator reach you.
4. If you are blocked on a decision only a human can make, call task_report
   with type "needs_input" and keep polling task_check_inbox for the answer.
5. When the work is done, call task_report with type "completed" and a
   summary of what you built. Then enter a wait loop: call task_check_inbox
   roughly every 30 seconds for up to 10 minutes, in case the supervisor
   requests fixes. Exit when you receive a terminate message.
`

const supervisorInstructions = `# Supervisor instructions

You are a supervisor agent verifying a worker's output for the dispatchd
orchestrator.

Task id: %s
Worker session: %s

## The task the worker was given

%s

## Extra verification instructions

%s

## Ground rules

1. Read the worker's output through task_read_peer and the files under
   workers-workspace/ before judging anything.
2. Verify deliverables concretely: open the files, check they are complete,
   run non-interactive checks where possible.
3. Report with task_report: type "assessment" for a verdict, "intervention"
   if you corrected something, "completed" only when you have verified the
   deliverables yourself.
4. If the worker is stuck or heading the wrong way, send it guidance with
   task_send_input.
5. Be specific. "Looks good" without naming what you checked helps nobody.
`

// writeWorkerInstructions writes workspace/.github/copilot-instructions.md.
func writeWorkerInstructions(workspace, taskID, prompt, workspaceRoot string) error {
	dir := filepath.Join(workspace, ".github")
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	content := fmt.Sprintf(workerInstructions, taskID, workspaceRoot, prompt)
	return fsutil.WriteFileAtomic(filepath.Join(dir, "copilot-instructions.md"), []byte(content))
}

// writeSupervisorInstructions writes the supervisor's instruction file.
func writeSupervisorInstructions(supervisorDir, taskID, workerSessionID, prompt, extra string) error {
	dir := filepath.Join(supervisorDir, ".github")
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	if extra == "" {
		extra = "(none)"
	}
	content := fmt.Sprintf(supervisorInstructions, taskID, workerSessionID, prompt, extra)
	return fsutil.WriteFileAtomic(filepath.Join(dir, "copilot-instructions.md"), []byte(content))
}
