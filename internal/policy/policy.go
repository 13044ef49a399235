// Package policy decides which shell commands the orchestrator may run and
// executes the allowed ones through the OS shell.
package policy

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/common/proc"
)

// denySubstrings fail the whole command on a raw substring match. These are
// catastrophic patterns that no argument position makes safe.
var denySubstrings = []string{
	"rm -rf /",
	":(){ :|:& };:",
}

// denyExact are base commands rejected outright. Interactive blockers like
// timeout/sleep/pause/read would hang a headless shell; dd and format are
// matched here on the parsed base command only, because substring matching
// would reject every command mentioning a task id containing "dd".
var denyExact = map[string]bool{
	"format": true, "dd": true, "timeout": true, "sleep": true,
	"pause": true, "choice": true, "read": true,
}

// denyPrefixes are base-command prefixes rejected outright.
var denyPrefixes = []string{"mkfs"}

// Policy evaluates commands against the configured mode.
type Policy struct {
	allowAll bool
	allowed  map[string]bool
	extra    []string // configured extra deny substrings
	logger   *logger.Logger
}

// New builds a policy from configuration.
func New(cfg config.PolicyConfig, log *logger.Logger) *Policy {
	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, c := range cfg.AllowedCommands {
		allowed[strings.ToLower(c)] = true
	}
	return &Policy{
		allowAll: cfg.AllowAll,
		allowed:  allowed,
		extra:    cfg.DenyPatterns,
		logger:   log.WithFields(zap.String("component", "policy")),
	}
}

// BaseCommand extracts the first whitespace token of cmd after stripping
// leading VAR=value assignments, lower-cased.
func BaseCommand(cmd string) string {
	for _, tok := range strings.Fields(cmd) {
		if i := strings.Index(tok, "="); i > 0 && !strings.ContainsAny(tok[:i], "/\\") {
			continue
		}
		return strings.ToLower(tok)
	}
	return ""
}

// Check returns nil when cmd may run, or an error naming the rule that
// rejected it.
func (p *Policy) Check(cmd string) error {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return fmt.Errorf("empty command")
	}

	lower := strings.ToLower(trimmed)
	for _, pat := range denySubstrings {
		if strings.Contains(lower, pat) {
			return fmt.Errorf("command rejected: contains %q", pat)
		}
	}
	for _, pat := range p.extra {
		if pat != "" && strings.Contains(lower, strings.ToLower(pat)) {
			return fmt.Errorf("command rejected: contains %q", pat)
		}
	}

	base := BaseCommand(trimmed)
	if base == "" {
		return fmt.Errorf("no executable command found")
	}
	if denyExact[base] {
		return fmt.Errorf("command rejected: %q is denied", base)
	}
	for _, prefix := range denyPrefixes {
		if strings.HasPrefix(base, prefix) {
			return fmt.Errorf("command rejected: %q is denied", base)
		}
	}

	if p.allowAll {
		return nil
	}
	if !p.allowed[base] {
		return fmt.Errorf("command rejected: %q is not in the allowlist", base)
	}
	return nil
}

// RunCommand checks cmd against the policy, then executes it through the OS
// shell with the given timeout. On timeout the process tree is killed and
// the error says how long the command ran.
func (p *Policy) RunCommand(ctx context.Context, cmd string, timeout time.Duration, cwd string) (string, error) {
	if err := p.Check(cmd); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Timeout handling kills the whole process group, so the command is
	// built without CommandContext's single-process kill.
	c := proc.ShellCommand(context.Background(), cmd)
	if cwd != "" {
		c.Dir = cwd
	}
	proc.SetNewProcessGroup(c)

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	start := time.Now()
	if err := c.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	select {
	case <-runCtx.Done():
		_ = proc.KillTree(c.Process.Pid)
		<-done
		return out.String(), fmt.Errorf("command killed after %ds", int(timeout.Seconds()))
	case err := <-done:
		p.logger.Info("command executed",
			zap.String("base", BaseCommand(cmd)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Bool("ok", err == nil))
		if err != nil {
			return out.String(), fmt.Errorf("command failed: %w; output: %s", err, truncate(out.String(), 2000))
		}
		return out.String(), nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
