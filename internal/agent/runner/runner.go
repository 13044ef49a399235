// Package runner wraps the command-line coding agent. Each Invoke owns one
// subprocess; a single Runner may be used from many goroutines at once.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/fsutil"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/common/proc"
)

// Common errors.
var (
	ErrTimedOut     = errors.New("agent invocation timed out")
	ErrStaleSession = errors.New("stale agent session id")
	ErrOptionLoop   = errors.New("agent stuck repeating an unknown-option error")
)

// unknownOptionRepeats is how many identical parse errors abort the run.
const unknownOptionRepeats = 3

// Options configures one invocation.
type Options struct {
	Prompt   string
	ResumeID string
	WorkDir  string
	AddDirs  []string
	LogPath  string       // optional per-invocation log file
	OnLine   func(string) // optional per-line callback
	LogTag   string       // prefix for runner-side log lines
	Timeout  time.Duration
}

// Result is the outcome of one invocation.
type Result struct {
	Output    string
	SessionID string // most recent agent session after the call, "" if unknown
}

// Runner invokes the agent binary.
type Runner struct {
	binary     string
	model      string
	sessionDir string
	tasksRoot  string
	timeout    time.Duration
	logger     *logger.Logger
}

// New builds a runner from configuration. tasksRoot is used by the session
// classifier to recognize worker/supervisor sessions.
func New(cfg config.AgentConfig, tasksRoot string, log *logger.Logger) *Runner {
	return &Runner{
		binary:     cfg.Binary,
		model:      cfg.Model,
		sessionDir: cfg.SessionDir,
		tasksRoot:  tasksRoot,
		timeout:    cfg.AgentTimeout(),
		logger:     log.WithFields(zap.String("component", "runner")),
	}
}

// buildArgs assembles the CLI argument list for one prompt.
func (r *Runner) buildArgs(opts Options) []string {
	args := []string{"-p", opts.Prompt, "--allow-all-tools", "--no-color"}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	for _, d := range opts.AddDirs {
		args = append(args, "--add-dir", d)
	}
	return args
}

// Invoke runs one prompt to completion. A stale resume id is retried once
// with no resume id.
func (r *Runner) Invoke(ctx context.Context, opts Options) (*Result, error) {
	res, err := r.invokeOnce(ctx, opts)
	if errors.Is(err, ErrStaleSession) && opts.ResumeID != "" {
		r.logger.Warn("stale session id, retrying without resume",
			zap.String("resume_id", opts.ResumeID))
		retry := opts
		retry.ResumeID = ""
		return r.invokeOnce(ctx, retry)
	}
	return res, err
}

func (r *Runner) invokeOnce(ctx context.Context, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	cmd := proc.Command(context.Background(), r.binary, r.buildArgs(opts)...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = append(os.Environ(), "LANG=C.UTF-8", "LC_ALL=C.UTF-8", "NO_COLOR=1")
	proc.SetNewProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	r.logger.Info("agent started",
		zap.String("tag", opts.LogTag),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("resume", opts.ResumeID != ""))

	var (
		mu         sync.Mutex
		lines      []string
		lastParse  string
		parseCount int
		fatal      error
	)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	killed := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			if runCtx.Err() != nil && cmd.Process != nil {
				_ = proc.KillTree(cmd.Process.Pid)
			}
		case <-killed:
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()

		if opts.OnLine != nil {
			opts.OnLine(line)
		}
		if opts.LogPath != "" {
			_ = fsutil.AppendLine(opts.LogPath, line)
		}
		r.logger.Debug("agent output", zap.String("tag", opts.LogTag), zap.String("line", line))

		if isUnknownOptionLine(line) {
			if line == lastParse {
				parseCount++
			} else {
				lastParse, parseCount = line, 1
			}
			if parseCount >= unknownOptionRepeats {
				fatal = fmt.Errorf("%w: %s", ErrOptionLoop, line)
				_ = proc.KillTree(cmd.Process.Pid)
				break
			}
		} else {
			lastParse, parseCount = "", 0
		}
	}

	waitErr := cmd.Wait()
	close(killed)
	elapsed := time.Since(start)

	mu.Lock()
	output := strings.Join(lines, "\n")
	mu.Unlock()

	result := &Result{Output: output}
	if id, err := r.DiscoverLatestSession(); err == nil {
		result.SessionID = id
	}

	if fatal != nil {
		return result, fatal
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%w after %ds", ErrTimedOut, int(timeout.Seconds()))
	}
	if isStaleSessionOutput(output) {
		return result, ErrStaleSession
	}
	if waitErr != nil {
		return result, fmt.Errorf("agent exited: %w; output tail: %s", waitErr, tail(output, 500))
	}

	r.logger.Info("agent finished",
		zap.String("tag", opts.LogTag),
		zap.Duration("elapsed", elapsed),
		zap.Int("lines", len(lines)))
	return result, nil
}

// DiscoverLatestSession returns the session id with the newest mtime in the
// agent's session-state directory.
func (r *Runner) DiscoverLatestSession() (string, error) {
	entries, err := os.ReadDir(r.sessionDir)
	if err != nil {
		return "", err
	}
	var (
		best      string
		bestMtime time.Time
	)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestMtime) {
			bestMtime = info.ModTime()
			best = sessionIDFromName(e.Name())
		}
	}
	if best == "" {
		return "", fmt.Errorf("no sessions under %s", r.sessionDir)
	}
	return best, nil
}

// DiscoverLatestNonTaskSession returns the newest session that is not a
// worker/supervisor session. The router uses this so an orchestrator chat
// never resumes a worker's context.
func (r *Runner) DiscoverLatestNonTaskSession() (string, error) {
	entries, err := os.ReadDir(r.sessionDir)
	if err != nil {
		return "", err
	}
	var (
		best      string
		bestMtime time.Time
	)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := sessionIDFromName(e.Name())
		if info.ModTime().After(bestMtime) && !r.IsTaskSession(id) {
			bestMtime = info.ModTime()
			best = id
		}
	}
	if best == "" {
		return "", fmt.Errorf("no non-task sessions under %s", r.sessionDir)
	}
	return best, nil
}

// IsTaskSession reports whether a session belongs to a worker or supervisor,
// judged by whether its recorded workspace lives under the tasks root.
func (r *Runner) IsTaskSession(sessionID string) bool {
	if r.tasksRoot == "" || sessionID == "" {
		return false
	}
	marker := filepath.ToSlash(r.tasksRoot)
	for _, name := range []string{sessionID, sessionID + ".json"} {
		path := filepath.Join(r.sessionDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			sub, err := os.ReadDir(path)
			if err != nil {
				continue
			}
			for _, e := range sub {
				if e.IsDir() {
					continue
				}
				if fileMentions(filepath.Join(path, e.Name()), marker) {
					return true
				}
			}
			continue
		}
		if fileMentions(path, marker) {
			return true
		}
	}
	return false
}

func fileMentions(path, marker string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.Contains(filepath.ToSlash(string(data)), marker)
}

func sessionIDFromName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func isUnknownOptionLine(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "unknown option") || strings.Contains(l, "unknown flag")
}

func isStaleSessionOutput(output string) bool {
	l := strings.ToLower(output)
	return strings.Contains(l, "session not found") ||
		strings.Contains(l, "no session found") ||
		strings.Contains(l, "could not resume") ||
		strings.Contains(l, "invalid session")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
